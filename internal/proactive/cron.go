// Orchd is a personal agent control plane.
// Copyright (C) 2026 The Orchd Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package proactive

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts classic 5-field expressions (minute hour dom month dow)
// with *, ranges, comma lists, and /step.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parseCronExpr(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// cronMatchesMinute reports whether the expression matches the wall-clock
// minute containing now, evaluated in loc. The schedule's next activation
// from one second before the minute boundary lands inside the minute exactly
// when the minute's parts satisfy the expression.
func cronMatchesMinute(sched cron.Schedule, now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	minuteStart := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, loc)
	next := sched.Next(minuteStart.Add(-time.Second))
	return !next.Before(minuteStart) && next.Before(minuteStart.Add(time.Minute))
}

// minuteKey is the per-UTC-minute dedupe key for cron expression firing.
func minuteKey(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04")
}
