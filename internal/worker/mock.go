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

package worker

import (
	"context"
	"fmt"
	"time"

	"orchd/pkg/control"
)

// mockStepDelay paces the deterministic sequence so aborts land between
// steps in manual testing.
const mockStepDelay = 250 * time.Millisecond

var mockSteps = []string{
	"analyzing the request",
	"gathering context",
	"drafting a response",
	"finalizing",
}

// runMock executes the deterministic no-agent sequence: four logged steps
// with an abort check before each, then a synthesized result.
func (w *Worker) runMock(ctx context.Context, job *control.Job) {
	for i, step := range mockSteps {
		requested, err := w.api.Heartbeat(ctx, job.ID)
		if err != nil {
			w.logger.Warn("mock heartbeat failed", "jobId", job.ID, "error", err)
		}
		if requested {
			w.postLog(ctx, job.ID, "Abort requested, stopping mock run")
			w.report(ctx, job.ID, func() error { return w.api.Aborted(ctx, job.ID, "Aborted during mock run") })
			return
		}
		w.postLog(ctx, job.ID, fmt.Sprintf("mock step %d/%d: %s", i+1, len(mockSteps), step))
		w.postTyped(ctx, job.ID, control.EventAgentTextDelta, map[string]any{
			"delta": fmt.Sprintf("[step %d] %s\n", i+1, step),
		})
		if !sleepCtx(ctx, mockStepDelay) {
			return
		}
	}
	result := fmt.Sprintf("[mock] %s job handled; prompt was: %s", job.Kind, control.Truncate(job.Prompt, 120))
	w.report(ctx, job.ID, func() error { return w.api.Complete(ctx, job.ID, result) })
}
