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

// Package worker claims jobs from the orchestrator and drives agent sessions
// to completion: claim loop, abort heartbeat, delta batching, tool policy
// enforcement, and model fallback.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"orchd/internal/policy"
	"orchd/internal/routing"
	"orchd/internal/rpc"
	"orchd/pkg/control"
)

// Loop defaults; all overridable via Config.
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultFlushInterval     = 1200 * time.Millisecond
)

// ControlPlane is the worker-facing slice of the orchestrator API.
type ControlPlane interface {
	Claim(ctx context.Context, workerID string) (*control.Job, error)
	PostEvent(ctx context.Context, jobID string, ev control.JobEvent) error
	Heartbeat(ctx context.Context, jobID string) (bool, error)
	Complete(ctx context.Context, jobID, resultText string) error
	Fail(ctx context.Context, jobID, errText string) error
	Aborted(ctx context.Context, jobID, reason string) error
}

// Session is the RPC surface one attempt needs.
type Session interface {
	Prompt(ctx context.Context, message string, h rpc.PromptHandlers) (string, error)
	Abort() error
}

// Config tunes the worker loop.
type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	FlushInterval     time.Duration
	MockMode          bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Worker runs one claim loop against the orchestrator.
type Worker struct {
	cfg    Config
	api    ControlPlane
	router *routing.Router
	policy *policy.Engine
	logger *slog.Logger

	// getSession is swappable so tests can run attempts over fake sessions.
	getSession func(profileID, sessionKey string) (Session, error)
}

// New builds a worker. router may be nil in mock mode.
func New(cfg Config, api ControlPlane, router *routing.Router, engine *policy.Engine, logger *slog.Logger) *Worker {
	w := &Worker{
		cfg:    cfg.withDefaults(),
		api:    api,
		router: router,
		policy: engine,
		logger: logger.With("component", "worker", "workerId", cfg.WorkerID),
	}
	w.getSession = func(profileID, sessionKey string) (Session, error) {
		return w.router.GetSession(profileID, sessionKey)
	}
	return w
}

// Run polls for jobs until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "mock", w.cfg.MockMode)
	for {
		job, err := w.api.Claim(ctx, w.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("claim failed", "error", err)
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		w.RunJob(ctx, job)
	}
}

// RunJob executes one claimed job to a terminal report.
func (w *Worker) RunJob(ctx context.Context, job *control.Job) {
	w.logger.Info("job claimed", "jobId", job.ID, "kind", job.Kind, "sessionKey", job.SessionKey)
	if w.cfg.MockMode {
		w.runMock(ctx, job)
		return
	}

	plan, err := w.router.BuildPlan(job)
	if err != nil {
		w.report(ctx, job.ID, func() error { return w.api.Fail(ctx, job.ID, err.Error()) })
		return
	}

	js := &jobState{job: job}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, js)

	var lastErr error
	for i, profile := range plan.Profiles {
		attempt := &attemptState{}
		finalText, err := w.runAttempt(ctx, js, profile, attempt)

		if js.abortRequested() {
			w.report(ctx, job.ID, func() error { return w.api.Aborted(ctx, job.ID, "Aborted during execution") })
			return
		}
		if tool, dec, denied := attempt.denied(); denied {
			msg := fmt.Sprintf("tool policy denied tool=%s reason=%s", tool, dec.Reason)
			if dec.MatchedDenyPattern != "" {
				msg += " pattern=" + dec.MatchedDenyPattern
			}
			w.report(ctx, job.ID, func() error { return w.api.Fail(ctx, job.ID, msg) })
			return
		}
		if err == nil {
			w.router.MarkSuccess(profile.ID)
			text := finalText
			if text == "" {
				text = attempt.allText()
			}
			w.report(ctx, job.ID, func() error { return w.api.Complete(ctx, job.ID, text) })
			return
		}

		lastErr = err
		dec := w.router.EvaluateFallback(profile.ID, routing.FallbackInput{
			AbortRequested:         js.abortRequested(),
			AttemptHadOutput:       attempt.hadOutput(),
			AttemptHadToolActivity: attempt.hadToolActivity(),
			ErrorMessage:           err.Error(),
		})
		if !dec.Fallback {
			w.report(ctx, job.ID, func() error {
				return w.api.Fail(ctx, job.ID, fmt.Sprintf("%s (%s)", err.Error(), dec.Reason))
			})
			return
		}
		w.postLog(ctx, job.ID, fmt.Sprintf("profile %s failed (%s), trying next profile (%d/%d)", profile.ID, dec.Reason, i+2, len(plan.Profiles)))
	}

	msg := "all model profiles exhausted"
	if lastErr != nil {
		msg = fmt.Sprintf("all model profiles exhausted: %s", lastErr.Error())
	}
	w.report(ctx, job.ID, func() error { return w.api.Fail(ctx, job.ID, msg) })
}

// runAttempt drives one prompt on one profile. Deltas are batched by the
// flusher; tool starts go through the policy gate.
func (w *Worker) runAttempt(ctx context.Context, js *jobState, profile routing.Profile, attempt *attemptState) (string, error) {
	sess, err := w.getSession(profile.ID, js.job.SessionKey)
	if err != nil {
		return "", fmt.Errorf("open session for profile %s: %w", profile.ID, err)
	}
	js.setSession(sess)
	defer js.setSession(nil)

	flusher := newDeltaFlusher(w, js.job.ID, w.cfg.FlushInterval)
	flushCtx, stopFlusher := context.WithCancel(ctx)
	go flusher.run(flushCtx)

	finalText, promptErr := sess.Prompt(ctx, js.job.Prompt, rpc.PromptHandlers{
		OnTextDelta: func(delta string) {
			attempt.markOutput(delta)
			flusher.add(delta)
		},
		OnToolStart: func(name string) {
			attempt.markTool()
			dec := w.policy.Evaluate(js.job.Kind, profile.ID, name)
			if !dec.Allowed {
				attempt.markDenied(name, dec)
				w.postLog(ctx, js.job.ID, "policy denied tool="+name)
				if err := sess.Abort(); err != nil {
					w.logger.Warn("abort after policy denial failed", "jobId", js.job.ID, "error", err)
				}
				return
			}
			w.postTyped(ctx, js.job.ID, control.EventToolStart, map[string]any{"tool": name})
		},
		OnToolEnd: func(name string) {
			w.postTyped(ctx, js.job.ID, control.EventToolEnd, map[string]any{"tool": name})
		},
		OnLog: func(message string) {
			w.postLog(ctx, js.job.ID, message)
		},
	})

	stopFlusher()
	flusher.drain(ctx)
	return finalText, promptErr
}

// heartbeatLoop polls the orchestrator for a pending abort and signals the
// live session exactly once.
func (w *Worker) heartbeatLoop(ctx context.Context, js *jobState) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.api.Heartbeat(ctx, js.job.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("heartbeat failed", "jobId", js.job.ID, "error", err)
				continue
			}
			if !requested || !js.markAbort() {
				continue
			}
			w.postLog(ctx, js.job.ID, "Abort requested, stopping agent session")
			if sess := js.session(); sess != nil {
				if err := sess.Abort(); err != nil {
					w.logger.Warn("session abort failed", "jobId", js.job.ID, "error", err)
				}
			}
		}
	}
}

func (w *Worker) postLog(ctx context.Context, jobID, message string) {
	if err := w.api.PostEvent(ctx, jobID, control.JobEvent{Type: control.EventLog, Message: message}); err != nil {
		w.logger.Warn("post log event failed", "jobId", jobID, "error", err)
	}
}

func (w *Worker) postTyped(ctx context.Context, jobID string, t control.EventType, data map[string]any) {
	if err := w.api.PostEvent(ctx, jobID, control.JobEvent{Type: t, Data: data}); err != nil {
		w.logger.Warn("post event failed", "jobId", jobID, "type", t, "error", err)
	}
}

// report runs a terminal report call and logs a failure; the orchestrator's
// state is authoritative either way.
func (w *Worker) report(ctx context.Context, jobID string, fn func() error) {
	if err := fn(); err != nil {
		w.logger.Error("terminal report failed", "jobId", jobID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// jobState is the per-job mutable state shared between the attempt and the
// heartbeat goroutine.
type jobState struct {
	job *control.Job

	mu      sync.Mutex
	aborted bool
	sess    Session
}

func (s *jobState) abortRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// markAbort flips the abort flag, reporting true only for the first caller.
func (s *jobState) markAbort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return false
	}
	s.aborted = true
	return true
}

func (s *jobState) setSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
}

func (s *jobState) session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// attemptState tracks what one attempt observed, for fallback safety.
type attemptState struct {
	mu         sync.Mutex
	output     bool
	tool       bool
	all        strings.Builder
	deniedTool string
	denyDec    policy.Decision
	isDenied   bool
}

func (a *attemptState) markOutput(delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.output = true
	a.all.WriteString(delta)
}

func (a *attemptState) markTool() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tool = true
}

func (a *attemptState) markDenied(tool string, dec policy.Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isDenied {
		return
	}
	a.isDenied = true
	a.deniedTool = tool
	a.denyDec = dec
}

func (a *attemptState) hadOutput() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.output
}

func (a *attemptState) hadToolActivity() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tool
}

func (a *attemptState) denied() (string, policy.Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deniedTool, a.denyDec, a.isDenied
}

func (a *attemptState) allText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.all.String()
}

// deltaFlusher batches text deltas into one agent_text_delta event per flush
// window. Flushes are serialized; a drain flush runs after the prompt ends.
type deltaFlusher struct {
	w        *Worker
	jobID    string
	interval time.Duration

	mu  sync.Mutex
	buf strings.Builder

	// postMu is held across the event post so one flush at a time is in
	// flight and deltas cannot arrive out of order.
	postMu sync.Mutex
}

func newDeltaFlusher(w *Worker, jobID string, interval time.Duration) *deltaFlusher {
	return &deltaFlusher{w: w, jobID: jobID, interval: interval}
}

func (f *deltaFlusher) add(delta string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.WriteString(delta)
}

func (f *deltaFlusher) run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *deltaFlusher) flush(ctx context.Context) {
	f.postMu.Lock()
	defer f.postMu.Unlock()
	f.mu.Lock()
	if f.buf.Len() == 0 {
		f.mu.Unlock()
		return
	}
	text := f.buf.String()
	f.buf.Reset()
	f.mu.Unlock()
	f.w.postTyped(ctx, f.jobID, control.EventAgentTextDelta, map[string]any{"delta": text})
}

// drain posts whatever is still buffered, waiting out any in-flight flush
// first. Called once the ticker goroutine has been stopped.
func (f *deltaFlusher) drain(ctx context.Context) {
	f.flush(ctx)
}
