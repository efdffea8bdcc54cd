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

// Package control contains the shared data models used by the orchestrator,
// the worker runtime, and tests: jobs, job events, admin state, and the
// metadata keys the proactive runtime stamps onto triggered jobs.
package control

import (
	"time"
	"unicode/utf8"
)

// JobKind distinguishes interactive tasks from long-form runs.
type JobKind string

const (
	JobKindTask JobKind = "task"
	JobKindRun  JobKind = "run"
)

// Valid reports whether the kind is one of the allowed values.
func (k JobKind) Valid() bool {
	return k == JobKindTask || k == JobKindRun
}

// String returns the string value of the JobKind.
func (k JobKind) String() string { return string(k) }

// JobStatus is the lifecycle state of a job.
// Transitions: needs_approval → queued → running → {aborting} →
// {aborted|completed|failed}. Terminal states never re-emit.
type JobStatus string

const (
	JobStatusNeedsApproval JobStatus = "needs_approval"
	JobStatusQueued        JobStatus = "queued"
	JobStatusRunning       JobStatus = "running"
	JobStatusAborting      JobStatus = "aborting"
	JobStatusAborted       JobStatus = "aborted"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusNeedsApproval, JobStatusQueued, JobStatusRunning,
		JobStatusAborting, JobStatusAborted, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is aborted, completed, or failed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusAborted, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// EventType identifies an entry in a job's event log.
type EventType string

const (
	EventJobCreated     EventType = "job_created"
	EventJobApproved    EventType = "job_approved"
	EventJobStarted     EventType = "job_started"
	EventAgentTextDelta EventType = "agent_text_delta"
	EventToolStart      EventType = "tool_start"
	EventToolEnd        EventType = "tool_end"
	EventLog            EventType = "log"
	EventJobFinished    EventType = "job_finished"
	EventJobFailed      EventType = "job_failed"
	EventJobAborted     EventType = "job_aborted"
)

// Valid reports whether the event type is known.
func (t EventType) Valid() bool {
	switch t {
	case EventJobCreated, EventJobApproved, EventJobStarted, EventAgentTextDelta,
		EventToolStart, EventToolEnd, EventLog, EventJobFinished, EventJobFailed,
		EventJobAborted:
		return true
	default:
		return false
	}
}

// String returns the string value of the EventType.
func (t EventType) String() string { return string(t) }

// Field size limits enforced at the store boundary.
const (
	MaxPromptChars        = 20000
	MaxSessionKeyChars    = 256
	MaxMetadataValueChars = 2000
	MaxResultTextChars    = 2000000
	MaxErrorChars         = 8000
	MaxEventMessageChars  = 4000
	MaxEventsPerJob       = 5000
)

// Metadata keys the proactive runtime stamps onto jobs it enqueues.
// The store indexes these for dedupe, backoff, and the delivery outbox.
const (
	MetaTriggerKind        = "proactiveTriggerKind"
	MetaTriggerID          = "proactiveTriggerId"
	MetaTriggerKey         = "proactiveTriggerKey"
	MetaTriggeredAt        = "proactiveTriggeredAt"
	MetaPromptTruncated    = "proactivePromptTruncated"
	MetaDeliveryMode       = "proactiveDeliveryMode"
	MetaDeliveryWebhookURL = "proactiveDeliveryWebhookUrl"
	MetaDeliveredAt        = "proactiveDeliveredAt"
	MetaDeliveryReceipt    = "proactiveDeliveryReceipt"
	MetaManualTrigger      = "proactiveManualTrigger"
	MetaModelProfile       = "modelProfile"
)

// Job is a single unit of agent work submitted by a user or a trigger.
// Timestamps are UTC; FinishedAt is set exactly when a terminal status is
// reached, and WorkerID is set exactly when the job first becomes running.
type Job struct {
	ID               string            `json:"id"`
	Kind             JobKind           `json:"kind"`
	Status           JobStatus         `json:"status"`
	Prompt           string            `json:"prompt"`
	Channel          string            `json:"channel"`
	ChatID           string            `json:"chatId"`
	ThreadID         string            `json:"threadId,omitempty"`
	RequesterID      string            `json:"requesterId"`
	SessionKey       string            `json:"sessionKey"`
	RequiresApproval bool              `json:"requiresApproval"`
	AbortRequested   bool              `json:"abortRequested"`
	WorkerID         string            `json:"workerId,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ResultText       string            `json:"resultText,omitempty"`
	Error            string            `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	FinishedAt       *time.Time        `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy of the job. Store readers hand out clones so
// callers never observe live state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Metadata != nil {
		out.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// JobEvent is one entry in a job's append-only event log.
type JobEvent struct {
	Type    EventType      `json:"type"`
	TS      time.Time      `json:"ts"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Clone returns a copy of the event with its own data map.
func (e JobEvent) Clone() JobEvent {
	out := e
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	return out
}

// AdminState is the process-wide pause switch. While paused the store hands
// out no claims.
type AdminState struct {
	Paused      bool      `json:"paused"`
	PauseReason string    `json:"pauseReason,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Truncate clips s to at most max bytes, backing up so a multibyte rune is
// never split. A non-positive max disables clipping.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
