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

package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChild emulates the agent side of the wire over in-memory pipes.
type fakeChild struct {
	t       *testing.T
	session *Session

	writeMu sync.Mutex
	out     *io.PipeWriter // child stdout -> session reader
	in      *io.PipeReader // session stdin -> child

	requests chan map[string]any
}

func newFakeChild(t *testing.T) *fakeChild {
	t.Helper()
	stdinR, stdinW := io.Pipe()  // session writes, child reads
	stdoutR, stdoutW := io.Pipe() // child writes, session reads

	c := &fakeChild{
		t:        t,
		out:      stdoutW,
		in:       stdinR,
		requests: make(chan map[string]any, 16),
	}
	c.session = NewSession("tester", t.TempDir(), stdinW, stdoutR, nil, nil, testLogger())
	t.Cleanup(func() {
		stdoutW.Close()
		stdinR.Close()
	})

	go func() {
		sc := bufio.NewScanner(stdinR)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			var obj map[string]any
			if err := json.Unmarshal(sc.Bytes(), &obj); err != nil {
				continue
			}
			c.requests <- obj
		}
		close(c.requests)
	}()
	return c
}

func (c *fakeChild) emit(obj map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(obj)
	if err != nil {
		c.t.Fatalf("marshal child event: %v", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.out.Write(append(data, '\n')); err != nil {
		c.t.Logf("child write failed: %v", err)
	}
}

func (c *fakeChild) emitRaw(line string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	io.WriteString(c.out, line+"\n")
}

// next returns the next request the session wrote, or fails after a timeout.
func (c *fakeChild) next() map[string]any {
	c.t.Helper()
	select {
	case req, ok := <-c.requests:
		if !ok {
			c.t.Fatal("session stdin closed")
		}
		return req
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for a request")
		return nil
	}
}

func (c *fakeChild) respond(req map[string]any, fields map[string]any) {
	resp := map[string]any{
		"type":    "response",
		"id":      req["id"],
		"command": req["type"],
		"success": true,
	}
	for k, v := range fields {
		resp[k] = v
	}
	c.emit(resp)
}

func TestPromptLifecycle(t *testing.T) {
	c := newFakeChild(t)

	go func() {
		req := c.next()
		if req["type"] != "prompt" {
			t.Errorf("first request type = %v, want prompt", req["type"])
		}
		if req["message"] != "do the thing" {
			t.Errorf("prompt message = %v", req["message"])
		}
		c.respond(req, nil)
		c.emit(map[string]any{"type": "message_update", "assistantMessageEvent": map[string]any{"type": "text_delta", "delta": "Hel"}})
		c.emit(map[string]any{"type": "tool_execution_start", "toolName": "read_file"})
		c.emit(map[string]any{"type": "tool_execution_end", "toolName": "read_file"})
		c.emit(map[string]any{"type": "message_update", "assistantMessageEvent": map[string]any{"type": "text_delta", "delta": "lo"}})
		c.emit(map[string]any{"type": "agent_end"})

		req = c.next()
		if req["type"] != "get_last_assistant_text" {
			t.Errorf("final request type = %v, want get_last_assistant_text", req["type"])
		}
		c.respond(req, map[string]any{"data": map[string]any{"text": "Hello"}})
	}()

	var deltas, toolStarts, toolEnds []string
	text, err := c.session.Prompt(context.Background(), "do the thing", PromptHandlers{
		OnTextDelta: func(d string) { deltas = append(deltas, d) },
		OnToolStart: func(n string) { toolStarts = append(toolStarts, n) },
		OnToolEnd:   func(n string) { toolEnds = append(toolEnds, n) },
	})
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	if text != "Hello" {
		t.Errorf("final text = %q, want Hello", text)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Errorf("deltas = %v", deltas)
	}
	if len(toolStarts) != 1 || toolStarts[0] != "read_file" {
		t.Errorf("tool starts = %v", toolStarts)
	}
	if len(toolEnds) != 1 {
		t.Errorf("tool ends = %v", toolEnds)
	}
}

func TestPromptNoFinalTextFallsBack(t *testing.T) {
	c := newFakeChild(t)
	go func() {
		req := c.next()
		c.respond(req, nil)
		c.emit(map[string]any{"type": "agent_end"})
		req = c.next()
		// Response without data.text: the caller uses its buffered deltas.
		c.respond(req, nil)
	}()

	text, err := c.session.Prompt(context.Background(), "quiet", PromptHandlers{})
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
}

func TestPromptRejected(t *testing.T) {
	c := newFakeChild(t)
	go func() {
		req := c.next()
		c.respond(req, map[string]any{"success": false, "error": "agent busy"})
	}()

	_, err := c.session.Prompt(context.Background(), "x", PromptHandlers{})
	if err == nil || !strings.Contains(err.Error(), "agent busy") {
		t.Errorf("Prompt() error = %v, want rejection with reason", err)
	}
}

func TestUIRequestsAutoCancelled(t *testing.T) {
	c := newFakeChild(t)
	c.emit(map[string]any{"type": "extension_ui_request", "id": "ui-1", "method": "confirm"})

	reply := c.next()
	if reply["type"] != "extension_ui_response" {
		t.Fatalf("reply type = %v, want extension_ui_response", reply["type"])
	}
	if reply["id"] != "ui-1" {
		t.Errorf("reply id = %v, want ui-1", reply["id"])
	}
	if reply["cancelled"] != true {
		t.Errorf("cancelled = %v, want true", reply["cancelled"])
	}
}

func TestNonJSONLinesBecomeLogEvents(t *testing.T) {
	c := newFakeChild(t)
	events, cancel := c.session.Subscribe()
	defer cancel()

	c.emitRaw("plain diagnostic output")
	select {
	case ev := <-events:
		if ev["type"] != "log" || ev["message"] != "plain diagnostic output" {
			t.Errorf("event = %v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no log event observed")
	}
}

func TestChildExitRejectsPending(t *testing.T) {
	c := newFakeChild(t)
	go func() {
		c.next()      // swallow the prompt request
		c.out.Close() // child dies without answering
	}()

	_, err := c.session.Prompt(context.Background(), "x", PromptHandlers{})
	if err == nil || !strings.Contains(err.Error(), "agent") {
		t.Errorf("Prompt() error = %v, want exit diagnostic", err)
	}
	if c.session.Alive() {
		t.Error("session still alive after stream close")
	}
}

func TestAbortBestEffort(t *testing.T) {
	c := newFakeChild(t)
	go func() {
		req := c.next()
		if req["type"] != "abort" {
			t.Errorf("request type = %v, want abort", req["type"])
		}
		c.respond(req, nil)
	}()
	if err := c.session.Abort(); err != nil {
		t.Errorf("Abort() error = %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"telegram:chat-1", "telegram_chat-1"},
		{"a/b\\c d", "a_b_c_d"},
		{"safe_name.v2-x", "safe_name.v2-x"},
		{"профиль", "_______"},
	}
	for _, tt := range tests {
		if got := SanitizeKey(tt.in); got != tt.want {
			t.Errorf("SanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPoolReusesAndReplacesSessions(t *testing.T) {
	var spawned int
	pool := NewPool(PoolConfig{Logger: testLogger()})
	pool.SetSpawner(func(cfg PoolConfig, key string) (*Session, error) {
		spawned++
		stdinR, stdinW := io.Pipe()
		stdoutR, stdoutW := io.Pipe()
		t.Cleanup(func() {
			stdinR.Close()
			stdoutW.Close()
		})
		return NewSession(key, t.TempDir(), stdinW, stdoutR, nil, nil, testLogger()), nil
	})

	first, err := pool.Get("profileA__chat-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	again, err := pool.Get("profileA__chat-1")
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if first != again {
		t.Error("live session not reused")
	}
	if spawned != 1 {
		t.Errorf("spawned = %d, want 1", spawned)
	}

	first.terminate("test kill")
	replacement, err := pool.Get("profileA__chat-1")
	if err != nil {
		t.Fatalf("Get() after death error = %v", err)
	}
	if replacement == first {
		t.Error("dead session handed out again")
	}
	if spawned != 2 {
		t.Errorf("spawned = %d, want 2", spawned)
	}
}
