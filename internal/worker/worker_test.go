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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"orchd/internal/policy"
	"orchd/internal/routing"
	"orchd/internal/rpc"
	"orchd/pkg/control"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI records every worker call against the orchestrator.
type fakeAPI struct {
	mu             sync.Mutex
	events         []control.JobEvent
	completed      []string
	failed         []string
	abortedReasons []string
	abortRequested bool
}

func (f *fakeAPI) Claim(ctx context.Context, workerID string) (*control.Job, error) {
	return nil, nil
}

func (f *fakeAPI) PostEvent(ctx context.Context, jobID string, ev control.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAPI) Heartbeat(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abortRequested, nil
}

func (f *fakeAPI) Complete(ctx context.Context, jobID, resultText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, resultText)
	return nil
}

func (f *fakeAPI) Fail(ctx context.Context, jobID, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, errText)
	return nil
}

func (f *fakeAPI) Aborted(ctx context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortedReasons = append(f.abortedReasons, reason)
	return nil
}

func (f *fakeAPI) setAbortRequested(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortRequested = v
}

type apiCalls struct {
	events         []control.JobEvent
	completed      []string
	failed         []string
	abortedReasons []string
}

func (f *fakeAPI) snapshot() apiCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return apiCalls{
		events:         append([]control.JobEvent(nil), f.events...),
		completed:      append([]string(nil), f.completed...),
		failed:         append([]string(nil), f.failed...),
		abortedReasons: append([]string(nil), f.abortedReasons...),
	}
}

func (f *fakeAPI) logMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		if ev.Type == control.EventLog {
			out = append(out, ev.Message)
		}
	}
	return out
}

// fakeSession scripts one profile's prompt behavior.
type fakeSession struct {
	prompt func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error)

	mu     sync.Mutex
	aborts int
}

func (s *fakeSession) Prompt(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
	return s.prompt(ctx, message, h)
}

func (s *fakeSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return nil
}

func (s *fakeSession) abortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

func buildWorker(t *testing.T, api *fakeAPI, engine *policy.Engine, cfg routing.Config, sessions map[string]*fakeSession) *Worker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routing.json")
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	router, err := routing.Load(path, routing.LegacyDefaults{}, nil, testLogger())
	if err != nil {
		t.Fatalf("routing config error = %v", err)
	}
	if engine == nil {
		engine, err = policy.New(policy.Config{})
		if err != nil {
			t.Fatal(err)
		}
	}
	w := New(Config{
		WorkerID:          "w-test",
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		FlushInterval:     10 * time.Millisecond,
	}, api, router, engine, testLogger())
	w.getSession = func(profileID, sessionKey string) (Session, error) {
		s, ok := sessions[profileID]
		if !ok {
			return nil, fmt.Errorf("no scripted session for profile %s", profileID)
		}
		return s, nil
	}
	return w
}

func testJob() *control.Job {
	return &control.Job{
		ID:         "job-1",
		Kind:       control.JobKindTask,
		Status:     control.JobStatusRunning,
		Prompt:     "hello",
		SessionKey: "telegram:chat-1",
	}
}

func singleProfileConfig() routing.Config {
	return routing.Config{Profiles: []routing.Profile{{ID: "primary"}}}
}

func abConfig() routing.Config {
	return routing.Config{
		Profiles: []routing.Profile{{ID: "a"}, {ID: "b"}},
		Routes:   map[string][]string{"default": {"a", "b"}},
	}
}

func TestRunJobHappyPath(t *testing.T) {
	api := &fakeAPI{}
	sessions := map[string]*fakeSession{
		"primary": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			if message != "hello" {
				t.Errorf("prompt message = %q", message)
			}
			h.OnTextDelta("hi")
			h.OnToolStart("read_file")
			h.OnToolEnd("read_file")
			return "hi", nil
		}},
	}
	w := buildWorker(t, api, nil, singleProfileConfig(), sessions)

	w.RunJob(context.Background(), testJob())

	got := api.snapshot()
	if len(got.completed) != 1 || got.completed[0] != "hi" {
		t.Fatalf("completed = %v, want [hi]", got.completed)
	}
	if len(got.failed) != 0 || len(got.abortedReasons) != 0 {
		t.Errorf("unexpected terminal reports: %+v", got)
	}
	var sawDelta, sawToolStart, sawToolEnd bool
	for _, ev := range got.events {
		switch ev.Type {
		case control.EventAgentTextDelta:
			if d, _ := ev.Data["delta"].(string); d == "hi" {
				sawDelta = true
			}
		case control.EventToolStart:
			sawToolStart = true
		case control.EventToolEnd:
			sawToolEnd = true
		}
	}
	if !sawDelta || !sawToolStart || !sawToolEnd {
		t.Errorf("events missing: delta=%v start=%v end=%v", sawDelta, sawToolStart, sawToolEnd)
	}
}

func TestCompleteFallsBackToBufferedText(t *testing.T) {
	api := &fakeAPI{}
	sessions := map[string]*fakeSession{
		"primary": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			h.OnTextDelta("buffered ")
			h.OnTextDelta("text")
			return "", nil // child had no final text
		}},
	}
	w := buildWorker(t, api, nil, singleProfileConfig(), sessions)

	w.RunJob(context.Background(), testJob())

	got := api.snapshot()
	if len(got.completed) != 1 || got.completed[0] != "buffered text" {
		t.Errorf("completed = %v, want buffered text", got.completed)
	}
}

func TestFallbackOnCleanRetryableError(t *testing.T) {
	api := &fakeAPI{}
	sessions := map[string]*fakeSession{
		"a": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			return "", errors.New("upstream rate limit hit")
		}},
		"b": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			return "answer from b", nil
		}},
	}
	w := buildWorker(t, api, nil, abConfig(), sessions)

	w.RunJob(context.Background(), testJob())

	got := api.snapshot()
	if len(got.completed) != 1 || got.completed[0] != "answer from b" {
		t.Fatalf("completed = %v, want answer from b", got.completed)
	}
	if len(got.failed) != 0 {
		t.Errorf("failed = %v", got.failed)
	}
	var sawFallbackLog bool
	for _, msg := range api.logMessages() {
		if strings.Contains(msg, "profile a failed") {
			sawFallbackLog = true
		}
	}
	if !sawFallbackLog {
		t.Error("no fallback log event posted")
	}
}

func TestNoFallbackAfterPartialOutput(t *testing.T) {
	api := &fakeAPI{}
	bUsed := false
	sessions := map[string]*fakeSession{
		"a": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			h.OnTextDelta("partial")
			return "", errors.New("rate limit")
		}},
		"b": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			bUsed = true
			return "never", nil
		}},
	}
	w := buildWorker(t, api, nil, abConfig(), sessions)

	w.RunJob(context.Background(), testJob())

	got := api.snapshot()
	if len(got.failed) != 1 || !strings.Contains(got.failed[0], "partial_output_detected") {
		t.Errorf("failed = %v, want partial_output_detected", got.failed)
	}
	if bUsed {
		t.Error("fallback profile used after poisoned attempt")
	}
	if len(got.completed) != 0 {
		t.Errorf("completed = %v", got.completed)
	}
}

func TestNoFallbackAfterToolActivity(t *testing.T) {
	api := &fakeAPI{}
	sessions := map[string]*fakeSession{
		"a": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			h.OnToolStart("read_file")
			return "", errors.New("connection reset by peer")
		}},
		"b": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			t.Error("fallback profile used")
			return "", nil
		}},
	}
	w := buildWorker(t, api, nil, abConfig(), sessions)

	w.RunJob(context.Background(), testJob())

	got := api.snapshot()
	if len(got.failed) != 1 || !strings.Contains(got.failed[0], "tool_activity_detected") {
		t.Errorf("failed = %v, want tool_activity_detected", got.failed)
	}
}

func TestUnretryableErrorFailsImmediately(t *testing.T) {
	api := &fakeAPI{}
	sessions := map[string]*fakeSession{
		"a": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			return "", errors.New("prompt contained invalid payload")
		}},
		"b": {prompt: func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
			t.Error("fallback profile used")
			return "", nil
		}},
	}
	w := buildWorker(t, api, nil, abConfig(), sessions)

	w.RunJob(context.Background(), testJob())

	got := api.snapshot()
	if len(got.failed) != 1 || !strings.Contains(got.failed[0], "error_not_retryable") {
		t.Errorf("failed = %v, want error_not_retryable", got.failed)
	}
}

func TestPolicyDenialFailsJob(t *testing.T) {
	api := &fakeAPI{}
	engine, err := policy.New(policy.Config{
		Default: &policy.Layer{Deny: []string{"danger_*"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	sess := &fakeSession{}
	sess.prompt = func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
		h.OnToolStart("danger_exec")
		// The child winds down after the abort; the prompt itself
		// returns without error.
		return "", nil
	}
	w := buildWorker(t, api, engine, singleProfileConfig(), map[string]*fakeSession{"primary": sess})

	w.RunJob(context.Background(), testJob())

	got := api.snapshot()
	if len(got.failed) != 1 {
		t.Fatalf("failed = %v, want one failure", got.failed)
	}
	if !strings.Contains(got.failed[0], "tool policy denied tool=danger_exec") {
		t.Errorf("failure message = %q", got.failed[0])
	}
	if !strings.Contains(got.failed[0], "matched_deny_rule") {
		t.Errorf("failure message lacks reason: %q", got.failed[0])
	}
	if sess.abortCount() != 1 {
		t.Errorf("session aborts = %d, want 1", sess.abortCount())
	}
	var sawDenyLog bool
	for _, msg := range api.logMessages() {
		if msg == "policy denied tool=danger_exec" {
			sawDenyLog = true
		}
	}
	if !sawDenyLog {
		t.Error("deny log event not posted")
	}
	if len(got.completed) != 0 {
		t.Errorf("completed = %v", got.completed)
	}
}

func TestAbortAcknowledged(t *testing.T) {
	api := &fakeAPI{}
	released := make(chan struct{})
	sess := &fakeSession{}
	sess.prompt = func(ctx context.Context, message string, h rpc.PromptHandlers) (string, error) {
		<-released
		return "", errors.New("aborted by client")
	}
	sessions := map[string]*fakeSession{"primary": sess}
	w := buildWorker(t, api, nil, singleProfileConfig(), sessions)

	api.setAbortRequested(true)
	done := make(chan struct{})
	go func() {
		w.RunJob(context.Background(), testJob())
		close(done)
	}()

	// Wait for the heartbeat to observe the abort and signal the session.
	deadline := time.After(5 * time.Second)
	for sess.abortCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("heartbeat never aborted the session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(released)
	<-done

	got := api.snapshot()
	if len(got.abortedReasons) != 1 {
		t.Fatalf("aborted = %v, want one acknowledgement", got.abortedReasons)
	}
	if len(got.failed) != 0 || len(got.completed) != 0 {
		t.Errorf("unexpected terminal reports: %+v", got)
	}
	var sawAbortLog bool
	for _, msg := range api.logMessages() {
		if strings.Contains(msg, "Abort requested") {
			sawAbortLog = true
		}
	}
	if !sawAbortLog {
		t.Error("abort log event not posted")
	}
}

func TestMockModeCompletes(t *testing.T) {
	api := &fakeAPI{}
	w := New(Config{WorkerID: "w-test", MockMode: true}, api, nil, nil, testLogger())

	w.RunJob(context.Background(), testJob())

	got := api.snapshot()
	if len(got.completed) != 1 || !strings.HasPrefix(got.completed[0], "[mock]") {
		t.Fatalf("completed = %v, want synthesized mock result", got.completed)
	}
	if n := len(api.logMessages()); n != len(mockSteps) {
		t.Errorf("mock log steps = %d, want %d", n, len(mockSteps))
	}
}

func TestMockModeHonorsAbort(t *testing.T) {
	api := &fakeAPI{}
	api.setAbortRequested(true)
	w := New(Config{WorkerID: "w-test", MockMode: true}, api, nil, nil, testLogger())

	w.RunJob(context.Background(), testJob())

	got := api.snapshot()
	if len(got.abortedReasons) != 1 {
		t.Fatalf("aborted = %v, want one acknowledgement", got.abortedReasons)
	}
	if len(got.completed) != 0 {
		t.Errorf("completed = %v", got.completed)
	}
}

// gateAPI blocks inside the first delta post until released, so tests can
// hold a flush in flight.
type gateAPI struct {
	*fakeAPI
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateAPI) PostEvent(ctx context.Context, jobID string, ev control.JobEvent) error {
	if ev.Type == control.EventAgentTextDelta {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.fakeAPI.PostEvent(ctx, jobID, ev)
}

func TestDeltaFlushesStaySerialized(t *testing.T) {
	api := &gateAPI{
		fakeAPI: &fakeAPI{},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	w := New(Config{WorkerID: "w-test"}, api, nil, nil, testLogger())
	f := newDeltaFlusher(w, "job-1", 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.run(ctx)

	f.add("d1")
	<-api.entered // ticker flush is now posting d1
	f.add("d2")
	cancel()

	drained := make(chan struct{})
	go func() {
		f.drain(context.Background())
		close(drained)
	}()
	select {
	case <-drained:
		t.Fatal("drain finished while another flush was still posting")
	case <-time.After(50 * time.Millisecond):
	}

	close(api.release)
	<-drained

	var deltas []string
	for _, ev := range api.snapshot().events {
		if ev.Type == control.EventAgentTextDelta {
			deltas = append(deltas, ev.Data["delta"].(string))
		}
	}
	if len(deltas) != 2 || deltas[0] != "d1" || deltas[1] != "d2" {
		t.Fatalf("delta order = %v, want [d1 d2]", deltas)
	}
}
