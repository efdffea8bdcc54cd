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

// Package proactive schedules agent jobs without a human in the loop:
// heartbeat intervals, cron rules, and authenticated webhooks. It enqueues
// into the job store, dedupes per trigger, applies failure backoff, and
// exposes the delivery outbox the gateway drains.
package proactive

import (
	"fmt"
	"strings"
	"time"

	"orchd/pkg/control"
)

// Bounds on interval rules.
const (
	MinEverySeconds = 5
	MaxEverySeconds = 86400
)

// MinWebhookSecretChars is the minimum shared-secret length for webhook rules.
const MinWebhookSecretChars = 16

// Session target and wake mode values for cron rules.
const (
	SessionTargetMain     = "main"
	SessionTargetIsolated = "isolated"

	WakeModeNow           = "now"
	WakeModeNextHeartbeat = "next-heartbeat"
)

// Delivery modes for the terminal result of a proactively triggered job.
const (
	DeliveryAnnounce = "announce"
	DeliveryWebhook  = "webhook"
	DeliveryNone     = "none"
)

// DeliverySpec says what happens to a proactive job's terminal result.
type DeliverySpec struct {
	Mode       string `json:"mode"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

func (d DeliverySpec) validate(field string) error {
	switch d.Mode {
	case "", DeliveryNone, DeliveryAnnounce:
		return nil
	case DeliveryWebhook:
		if strings.TrimSpace(d.WebhookURL) == "" {
			return fmt.Errorf("%s.webhookUrl: required when mode is webhook", field)
		}
		return nil
	default:
		return fmt.Errorf("%s.mode: must be one of announce, webhook, none", field)
	}
}

// mode returns the effective delivery mode, defaulting to none.
func (d DeliverySpec) mode() string {
	if d.Mode == "" {
		return DeliveryNone
	}
	return d.Mode
}

// Target describes the job a rule enqueues: where the conversation lives and
// which session it binds to.
type Target struct {
	Kind             control.JobKind   `json:"kind,omitempty"`
	Channel          string            `json:"channel,omitempty"`
	ChatID           string            `json:"chatId"`
	ThreadID         string            `json:"threadId,omitempty"`
	RequesterID      string            `json:"requesterId,omitempty"`
	SessionKey       string            `json:"sessionKey"`
	RequiresApproval bool              `json:"requiresApproval,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (t Target) validate(field string) error {
	if t.Kind != "" && !t.Kind.Valid() {
		return fmt.Errorf("%s.kind: must be \"task\" or \"run\"", field)
	}
	if strings.TrimSpace(t.ChatID) == "" {
		return fmt.Errorf("%s.chatId: is required", field)
	}
	if strings.TrimSpace(t.SessionKey) == "" {
		return fmt.Errorf("%s.sessionKey: is required", field)
	}
	return nil
}

// HeartbeatRule fires on a fixed interval.
type HeartbeatRule struct {
	ID           string       `json:"id"`
	EverySeconds int          `json:"everySeconds"`
	Prompt       string       `json:"prompt"`
	Delivery     DeliverySpec `json:"delivery"`
	Target       Target       `json:"target"`
}

func (r HeartbeatRule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("heartbeat rule: id is required")
	}
	if r.EverySeconds < MinEverySeconds || r.EverySeconds > MaxEverySeconds {
		return fmt.Errorf("heartbeat rule %s: everySeconds must be in [%d, %d]", r.ID, MinEverySeconds, MaxEverySeconds)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("heartbeat rule %s: prompt is required", r.ID)
	}
	if err := r.Delivery.validate("delivery"); err != nil {
		return fmt.Errorf("heartbeat rule %s: %w", r.ID, err)
	}
	if err := r.Target.validate("target"); err != nil {
		return fmt.Errorf("heartbeat rule %s: %w", r.ID, err)
	}
	return nil
}

// CronRule fires on a 5-field cron expression, a one-shot timestamp, or a
// plain interval. Exactly one schedule variant must be set.
type CronRule struct {
	ID            string       `json:"id"`
	Expr          string       `json:"expr,omitempty"`
	At            string       `json:"at,omitempty"`
	EverySeconds  int          `json:"everySeconds,omitempty"`
	Timezone      string       `json:"timezone,omitempty"`
	SessionTarget string       `json:"sessionTarget,omitempty"`
	WakeMode      string       `json:"wakeMode,omitempty"`
	Prompt        string       `json:"prompt"`
	Delivery      DeliverySpec `json:"delivery"`
	Target        Target       `json:"target"`
}

func (r CronRule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("cron rule: id is required")
	}
	variants := 0
	if strings.TrimSpace(r.Expr) != "" {
		variants++
		if _, err := parseCronExpr(r.Expr); err != nil {
			return fmt.Errorf("cron rule %s: expr: %w", r.ID, err)
		}
	}
	if strings.TrimSpace(r.At) != "" {
		variants++
		if _, err := time.Parse(time.RFC3339, r.At); err != nil {
			return fmt.Errorf("cron rule %s: at: not a valid RFC 3339 timestamp: %w", r.ID, err)
		}
	}
	if r.EverySeconds != 0 {
		variants++
		if r.EverySeconds < MinEverySeconds || r.EverySeconds > MaxEverySeconds {
			return fmt.Errorf("cron rule %s: everySeconds must be in [%d, %d]", r.ID, MinEverySeconds, MaxEverySeconds)
		}
	}
	if variants != 1 {
		return fmt.Errorf("cron rule %s: exactly one of expr, at, everySeconds must be set", r.ID)
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("cron rule %s: timezone: unknown IANA zone %q", r.ID, r.Timezone)
		}
	}
	switch r.SessionTarget {
	case "", SessionTargetMain, SessionTargetIsolated:
	default:
		return fmt.Errorf("cron rule %s: sessionTarget must be \"main\" or \"isolated\"", r.ID)
	}
	switch r.WakeMode {
	case "", WakeModeNow:
	case WakeModeNextHeartbeat:
		if r.sessionTarget() != SessionTargetMain {
			return fmt.Errorf("cron rule %s: wakeMode next-heartbeat requires sessionTarget main", r.ID)
		}
	default:
		return fmt.Errorf("cron rule %s: wakeMode must be \"now\" or \"next-heartbeat\"", r.ID)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("cron rule %s: prompt is required", r.ID)
	}
	if err := r.Delivery.validate("delivery"); err != nil {
		return fmt.Errorf("cron rule %s: %w", r.ID, err)
	}
	if err := r.Target.validate("target"); err != nil {
		return fmt.Errorf("cron rule %s: %w", r.ID, err)
	}
	return nil
}

func (r CronRule) sessionTarget() string {
	if r.SessionTarget == "" {
		return SessionTargetMain
	}
	return r.SessionTarget
}

func (r CronRule) wakeMode() string {
	if r.WakeMode == "" {
		return WakeModeNow
	}
	return r.WakeMode
}

func (r CronRule) location() *time.Location {
	if r.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// WebhookRule enqueues a job when an authenticated POST arrives.
type WebhookRule struct {
	ID                     string       `json:"id"`
	Secret                 string       `json:"secret"`
	Prompt                 string       `json:"prompt"`
	IncludePayloadInPrompt bool         `json:"includePayloadInPrompt,omitempty"`
	Delivery               DeliverySpec `json:"delivery"`
	Target                 Target       `json:"target"`
}

func (r WebhookRule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("webhook rule: id is required")
	}
	if len(r.Secret) < MinWebhookSecretChars {
		return fmt.Errorf("webhook rule %s: secret must be at least %d characters", r.ID, MinWebhookSecretChars)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("webhook rule %s: prompt is required", r.ID)
	}
	if err := r.Delivery.validate("delivery"); err != nil {
		return fmt.Errorf("webhook rule %s: %w", r.ID, err)
	}
	if err := r.Target.validate("target"); err != nil {
		return fmt.Errorf("webhook rule %s: %w", r.ID, err)
	}
	return nil
}

// Trigger kinds, also the first half of the dedupe trigger key.
const (
	KindHeartbeat = "heartbeat"
	KindCron      = "cron"
	KindWebhook   = "webhook"
)

// TriggerKey identifies one rule across restarts for dedupe, backoff, and
// run listing.
func TriggerKey(kind, ruleID string) string {
	return kind + ":" + ruleID
}
