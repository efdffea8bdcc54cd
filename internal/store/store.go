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

// Package store is the source of truth for jobs, their event logs, the FIFO
// queue, and the admin pause switch. All state lives in memory behind one
// exclusive lock and every mutation is persisted as a single JSON document
// via temp-file + atomic rename. Readers receive deep copies, never live
// structures.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchd/internal/metrics"
	"orchd/pkg/control"
)

var (
	// ErrNotFound indicates no job matched the id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a status change that violates the
	// job lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a rejected field on a state-mutating call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// state is the single serialized document. Field names are part of the
// on-disk format.
type state struct {
	Jobs           map[string]*control.Job       `json:"jobs"`
	Events         map[string][]control.JobEvent `json:"events"`
	Queue          []string                      `json:"queue"`
	Paused         bool                          `json:"paused"`
	PauseReason    string                        `json:"pauseReason,omitempty"`
	PauseUpdatedAt time.Time                     `json:"pauseUpdatedAt"`
}

func newState() *state {
	return &state{
		Jobs:   make(map[string]*control.Job),
		Events: make(map[string][]control.JobEvent),
		Queue:  []string{},
	}
}

// Store owns all job state. Single-writer: every mutating operation holds
// the exclusive lock through its persistence write.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	st   *state
}

// Open loads the state file at path, or starts from the initial empty state
// when the file is missing or malformed.
func Open(path string) (*Store, error) {
	st, err := loadState(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
		st:   st,
	}
	metrics.SetQueueDepth(len(st.Queue))
	return s, nil
}

// SetNow overrides the clock. Tests only.
func (s *Store) SetNow(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = fn
}

// CreateJobRequest carries the fields needed to create a job.
type CreateJobRequest struct {
	Kind             control.JobKind
	Prompt           string
	Channel          string
	ChatID           string
	ThreadID         string
	RequesterID      string
	SessionKey       string
	RequiresApproval bool
	Metadata         map[string]string
}

func (r *CreateJobRequest) validate() error {
	if !r.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: `must be "task" or "run"`}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "is required"}
	}
	if len(r.Prompt) > control.MaxPromptChars {
		return &ValidationError{Field: "prompt", Message: fmt.Sprintf("exceeds %d chars", control.MaxPromptChars)}
	}
	if strings.TrimSpace(r.ChatID) == "" {
		return &ValidationError{Field: "chatId", Message: "is required"}
	}
	if strings.TrimSpace(r.RequesterID) == "" {
		return &ValidationError{Field: "requesterId", Message: "is required"}
	}
	if strings.TrimSpace(r.SessionKey) == "" {
		return &ValidationError{Field: "sessionKey", Message: "is required"}
	}
	if len(r.SessionKey) > control.MaxSessionKeyChars {
		return &ValidationError{Field: "sessionKey", Message: fmt.Sprintf("exceeds %d chars", control.MaxSessionKeyChars)}
	}
	for k, v := range r.Metadata {
		if len(v) > control.MaxMetadataValueChars {
			return &ValidationError{Field: "metadata." + k, Message: fmt.Sprintf("value exceeds %d chars", control.MaxMetadataValueChars)}
		}
	}
	return nil
}

// CreateJob assigns an id, initializes timestamps, appends the job_created
// event, and enqueues the job unless it requires approval.
func (s *Store) CreateJob(req CreateJobRequest) (*control.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	status := control.JobStatusQueued
	if req.RequiresApproval {
		status = control.JobStatusNeedsApproval
	}
	var md map[string]string
	if len(req.Metadata) > 0 {
		md = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			md[k] = v
		}
	}
	job := &control.Job{
		ID:               uuid.NewString(),
		Kind:             req.Kind,
		Status:           status,
		Prompt:           req.Prompt,
		Channel:          req.Channel,
		ChatID:           req.ChatID,
		ThreadID:         req.ThreadID,
		RequesterID:      req.RequesterID,
		SessionKey:       req.SessionKey,
		RequiresApproval: req.RequiresApproval,
		Metadata:         md,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.st.Jobs[job.ID] = job
	s.appendEventLocked(job.ID, control.JobEvent{Type: control.EventJobCreated, TS: now})
	if status == control.JobStatusQueued {
		s.st.Queue = append(s.st.Queue, job.ID)
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.ObserveJobCreated(job.Kind.String())
	metrics.SetQueueDepth(len(s.st.Queue))
	return job.Clone(), nil
}

// GetJob returns a copy of the job, or ErrNotFound.
func (s *Store) GetJob(id string) (*control.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.Jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// GetEvents returns the event slice starting at cursor, plus the next cursor
// (always the total length) so clients can re-poll without duplicates.
func (s *Store) GetEvents(id string, cursor int) (events []control.JobEvent, nextCursor, total int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Jobs[id]; !ok {
		return nil, 0, 0, ErrNotFound
	}
	log := s.st.Events[id]
	total = len(log)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > total {
		cursor = total
	}
	events = make([]control.JobEvent, 0, total-cursor)
	for _, ev := range log[cursor:] {
		events = append(events, ev.Clone())
	}
	return events, total, total, nil
}

// ApproveJob moves a needs_approval job to the queue. Any other status is a
// no-op returning the current job, so repeated approvals never re-enqueue.
func (s *Store) ApproveJob(id string) (*control.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.Jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != control.JobStatusNeedsApproval {
		return job.Clone(), nil
	}
	now := s.now()
	job.Status = control.JobStatusQueued
	job.UpdatedAt = now
	s.st.Queue = append(s.st.Queue, job.ID)
	s.appendEventLocked(id, control.JobEvent{Type: control.EventJobApproved, TS: now})
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.SetQueueDepth(len(s.st.Queue))
	return job.Clone(), nil
}

// RequestAbort aborts a job that has not started, or flags a running job for
// cooperative abort. Terminal and already-aborting jobs are a no-op.
func (s *Store) RequestAbort(id string) (*control.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.Jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	switch job.Status {
	case control.JobStatusQueued, control.JobStatusNeedsApproval:
		job.Status = control.JobStatusAborted
		job.UpdatedAt = now
		job.FinishedAt = &now
		s.dequeueLocked(id)
		s.appendEventLocked(id, control.JobEvent{Type: control.EventJobAborted, TS: now, Message: "Aborted before start"})
		metrics.ObserveJobTerminal(control.JobStatusAborted.String())
	case control.JobStatusRunning:
		job.Status = control.JobStatusAborting
		job.AbortRequested = true
		job.UpdatedAt = now
		s.appendEventLocked(id, control.JobEvent{Type: control.EventLog, TS: now, Message: "Abort requested"})
	default:
		return job.Clone(), nil
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.SetQueueDepth(len(s.st.Queue))
	return job.Clone(), nil
}

// ClaimNextQueuedJob hands the head of the queue to a worker, transitioning
// it to running. Returns nil when the queue is empty or the store is paused.
// Stale queue entries (jobs no longer queued) are discarded on the way.
func (s *Store) ClaimNextQueuedJob(workerID string) (*control.Job, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, &ValidationError{Field: "workerId", Message: "is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Paused {
		return nil, nil
	}
	for len(s.st.Queue) > 0 {
		id := s.st.Queue[0]
		s.st.Queue = s.st.Queue[1:]
		job, ok := s.st.Jobs[id]
		if !ok || job.Status != control.JobStatusQueued {
			continue
		}
		now := s.now()
		job.Status = control.JobStatusRunning
		job.WorkerID = workerID
		job.StartedAt = &now
		job.UpdatedAt = now
		s.appendEventLocked(id, control.JobEvent{
			Type: control.EventJobStarted,
			TS:   now,
			Data: map[string]any{"workerId": workerID},
		})
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		metrics.SetQueueDepth(len(s.st.Queue))
		return job.Clone(), nil
	}
	return nil, nil
}

// AppendWorkerEvent appends a progress event posted by a worker. Text deltas
// accumulate into the job's resultText.
func (s *Store) AppendWorkerEvent(id string, ev control.JobEvent) error {
	if !ev.Type.Valid() {
		return &ValidationError{Field: "event.type", Message: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
	if len(ev.Message) > control.MaxEventMessageChars {
		ev.Message = control.Truncate(ev.Message, control.MaxEventMessageChars)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.Jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	if ev.TS.IsZero() {
		ev.TS = now
	}
	if ev.Type == control.EventAgentTextDelta {
		if delta, ok := ev.Data["delta"].(string); ok && delta != "" {
			job.ResultText = control.Truncate(job.ResultText+delta, control.MaxResultTextChars)
			job.UpdatedAt = now
		}
	}
	s.appendEventLocked(id, ev)
	return s.persistLocked()
}

// AbortRequested reports whether a cooperative abort is pending for the job.
func (s *Store) AbortRequested(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.Jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	return job.AbortRequested, nil
}

// CompleteJob finishes a running job. If an abort was requested meanwhile,
// the terminal status is aborted instead of completed.
func (s *Store) CompleteJob(id string, resultText string) (*control.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.Jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != control.JobStatusRunning && job.Status != control.JobStatusAborting {
		return nil, fmt.Errorf("complete job %s in status %s: %w", id, job.Status, ErrInvalidTransition)
	}
	now := s.now()
	if job.AbortRequested || job.Status == control.JobStatusAborting {
		job.Status = control.JobStatusAborted
		s.appendEventLocked(id, control.JobEvent{Type: control.EventJobAborted, TS: now, Message: "Aborted during execution"})
	} else {
		job.Status = control.JobStatusCompleted
		if resultText != "" {
			job.ResultText = control.Truncate(resultText, control.MaxResultTextChars)
		}
		s.appendEventLocked(id, control.JobEvent{Type: control.EventJobFinished, TS: now})
	}
	job.UpdatedAt = now
	job.FinishedAt = &now
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.ObserveJobTerminal(job.Status.String())
	return job.Clone(), nil
}

// FailJob finishes a running job as failed with the given error text.
func (s *Store) FailJob(id string, errText string) (*control.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.Jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != control.JobStatusRunning && job.Status != control.JobStatusAborting {
		return nil, fmt.Errorf("fail job %s in status %s: %w", id, job.Status, ErrInvalidTransition)
	}
	now := s.now()
	job.Status = control.JobStatusFailed
	job.Error = control.Truncate(errText, control.MaxErrorChars)
	job.UpdatedAt = now
	job.FinishedAt = &now
	s.appendEventLocked(id, control.JobEvent{Type: control.EventJobFailed, TS: now, Message: job.Error})
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.ObserveJobTerminal(control.JobStatusFailed.String())
	return job.Clone(), nil
}

// MarkAborted forces a non-terminal job to aborted. Used by workers to
// acknowledge a cooperative abort. Aborting an already-aborted job is a
// no-op.
func (s *Store) MarkAborted(id string, reason string) (*control.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.Jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status == control.JobStatusAborted {
		return job.Clone(), nil
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("abort job %s in status %s: %w", id, job.Status, ErrInvalidTransition)
	}
	now := s.now()
	job.Status = control.JobStatusAborted
	job.UpdatedAt = now
	job.FinishedAt = &now
	s.dequeueLocked(id)
	msg := "Aborted"
	if strings.TrimSpace(reason) != "" {
		msg = control.Truncate(reason, control.MaxEventMessageChars)
	}
	s.appendEventLocked(id, control.JobEvent{Type: control.EventJobAborted, TS: now, Message: msg})
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.ObserveJobTerminal(control.JobStatusAborted.String())
	metrics.SetQueueDepth(len(s.st.Queue))
	return job.Clone(), nil
}

// HasActiveJobByMetadata reports whether any non-terminal job carries the
// metadata pair. Used for proactive dedupe.
func (s *Store) HasActiveJobByMetadata(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.st.Jobs {
		if !job.Status.IsTerminal() && job.Metadata[key] == value {
			return true
		}
	}
	return false
}

// LatestTerminalJobByMetadata returns the most recently updated terminal job
// carrying the metadata pair, or nil.
func (s *Store) LatestTerminalJobByMetadata(key, value string) *control.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *control.Job
	for _, job := range s.st.Jobs {
		if !job.Status.IsTerminal() || job.Metadata[key] != value {
			continue
		}
		if latest == nil || job.UpdatedAt.After(latest.UpdatedAt) {
			latest = job
		}
	}
	return latest.Clone()
}

// ListProactiveRuns returns proactively triggered jobs, most recent first,
// optionally filtered to one trigger key.
func (s *Store) ListProactiveRuns(limit int, triggerKey string) []*control.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*control.Job
	for _, job := range s.st.Jobs {
		key, ok := job.Metadata[control.MetaTriggerKey]
		if !ok {
			continue
		}
		if triggerKey != "" && key != triggerKey {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListJobs returns jobs most recent first, optionally filtered by status.
func (s *Store) ListJobs(status control.JobStatus, limit int) []*control.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*control.Job
	for _, job := range s.st.Jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListPendingProactiveDeliveries returns terminal proactive jobs whose result
// has not yet been delivered, oldest finish first.
func (s *Store) ListPendingProactiveDeliveries(limit int) []*control.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*control.Job
	for _, job := range s.st.Jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		mode := job.Metadata[control.MetaDeliveryMode]
		if mode != "announce" && mode != "webhook" {
			continue
		}
		if job.Metadata[control.MetaDeliveredAt] != "" {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].UpdatedAt, out[j].UpdatedAt
		if out[i].FinishedAt != nil {
			ti = *out[i].FinishedAt
		}
		if out[j].FinishedAt != nil {
			tj = *out[j].FinishedAt
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarkProactiveDelivery records the gateway's delivery acknowledgement.
func (s *Store) MarkProactiveDelivery(id string, receipt string) (*control.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.Jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	mode := job.Metadata[control.MetaDeliveryMode]
	if mode != "announce" && mode != "webhook" {
		return nil, &ValidationError{Field: "id", Message: "job has no pending proactive delivery"}
	}
	now := s.now()
	job.Metadata[control.MetaDeliveredAt] = now.Format(time.RFC3339)
	if strings.TrimSpace(receipt) != "" {
		job.Metadata[control.MetaDeliveryReceipt] = control.Truncate(receipt, control.MaxMetadataValueChars)
	}
	job.UpdatedAt = now
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	metrics.ObserveDeliveryAcked()
	return job.Clone(), nil
}

// SetPaused toggles the admin pause. While paused, ClaimNextQueuedJob hands
// out nothing.
func (s *Store) SetPaused(paused bool, reason string) (control.AdminState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.st.Paused = paused
	if paused {
		s.st.PauseReason = reason
	} else {
		s.st.PauseReason = ""
	}
	s.st.PauseUpdatedAt = now
	if err := s.persistLocked(); err != nil {
		return control.AdminState{}, err
	}
	return s.adminStateLocked(), nil
}

// AdminState returns the current pause state.
func (s *Store) AdminState() control.AdminState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminStateLocked()
}

func (s *Store) adminStateLocked() control.AdminState {
	return control.AdminState{
		Paused:      s.st.Paused,
		PauseReason: s.st.PauseReason,
		UpdatedAt:   s.st.PauseUpdatedAt,
	}
}

// appendEventLocked appends to a job's log, clipping the message and capping
// the log at MaxEventsPerJob by dropping the oldest entries. The newest entry
// is always retained, so the most recent terminal event survives the cap.
func (s *Store) appendEventLocked(id string, ev control.JobEvent) {
	ev.Message = control.Truncate(ev.Message, control.MaxEventMessageChars)
	log := append(s.st.Events[id], ev)
	if overflow := len(log) - control.MaxEventsPerJob; overflow > 0 {
		log = log[overflow:]
	}
	s.st.Events[id] = log
	metrics.ObserveEventAppended(ev.Type.String())
}

func (s *Store) dequeueLocked(id string) {
	for i, qid := range s.st.Queue {
		if qid == id {
			s.st.Queue = append(s.st.Queue[:i], s.st.Queue[i+1:]...)
			return
		}
	}
}
