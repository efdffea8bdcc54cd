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

// Package rpc speaks the line-delimited JSON protocol between the worker and
// a long-lived child agent process. Sessions are pooled per session key; each
// session owns one child, its stdin, and a reader goroutine that
// demultiplexes responses, events, and UI requests.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"orchd/internal/metrics"
)

// Request timeouts and process lifecycle grace periods.
const (
	promptAckTimeout        = 60 * time.Second
	promptCompletionTimeout = 15 * time.Minute
	abortTimeout            = 10 * time.Second
	lastTextTimeout         = 30 * time.Second
	startupGrace            = 150 * time.Millisecond
	killGrace               = 2 * time.Second
)

const eventBufferSize = 256

// PromptHandlers receive streamed prompt activity.
type PromptHandlers struct {
	OnTextDelta func(delta string)
	OnToolStart func(toolName string)
	OnToolEnd   func(toolName string)
	OnLog       func(message string)
}

// Session is one live child agent process.
type Session struct {
	key    string
	dir    string
	logger *slog.Logger

	proc  *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex // one in-flight line write at a time

	reqMu   sync.Mutex
	nextID  int
	pending map[string]chan map[string]any

	subMu   sync.Mutex
	nextSub int
	subs    map[int]chan map[string]any

	exitOnce   sync.Once
	exitCh     chan struct{}
	exitMu     sync.Mutex
	exitReason string

	stopOnce sync.Once
}

// NewSession wires a session over explicit pipes and starts the reader
// goroutines. proc may be nil; tests drive the protocol over in-memory pipes.
func NewSession(key, dir string, stdin io.WriteCloser, stdout, stderr io.Reader, proc *exec.Cmd, logger *slog.Logger) *Session {
	s := &Session{
		key:     key,
		dir:     dir,
		logger:  logger.With("component", "rpc", "session", key),
		proc:    proc,
		stdin:   stdin,
		pending: make(map[string]chan map[string]any),
		subs:    make(map[int]chan map[string]any),
		exitCh:  make(chan struct{}),
	}
	go s.readLoop(stdout)
	if stderr != nil {
		go s.stderrLoop(stderr)
	}
	if proc != nil {
		go func() {
			err := proc.Wait()
			if err != nil {
				s.terminate(fmt.Sprintf("agent process exited: %v", err))
			} else {
				s.terminate("agent process exited")
			}
		}()
	}
	return s
}

// Key returns the pool key this session was created under.
func (s *Session) Key() string { return s.key }

// Dir returns the session's private directory.
func (s *Session) Dir() string { return s.dir }

// Alive reports whether the child is still attached.
func (s *Session) Alive() bool {
	select {
	case <-s.exitCh:
		return false
	default:
		return true
	}
}

func (s *Session) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			// Non-JSON stdout is surfaced like stderr chatter.
			s.broadcast(map[string]any{"type": "log", "message": string(line)})
			continue
		}
		switch obj["type"] {
		case "response":
			id, _ := obj["id"].(string)
			s.resolve(id, obj)
		case "extension_ui_request":
			s.rejectUIRequest(obj)
		default:
			s.broadcast(obj)
		}
	}
	s.terminate("agent stream closed")
}

func (s *Session) stderrLoop(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		s.broadcast(map[string]any{"type": "log", "message": string(line)})
	}
}

// rejectUIRequest answers interactive UI requests with cancelled:true; a
// headless worker has nobody to ask.
func (s *Session) rejectUIRequest(obj map[string]any) {
	method, _ := obj["method"].(string)
	switch method {
	case "select", "confirm", "input", "editor":
	default:
		return
	}
	reply := map[string]any{
		"type":      "extension_ui_response",
		"id":        obj["id"],
		"cancelled": true,
	}
	if err := s.sendObject(reply); err != nil {
		s.logger.Warn("failed to cancel ui request", "method", method, "error", err)
	}
}

func (s *Session) resolve(id string, obj map[string]any) {
	s.reqMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.reqMu.Unlock()
	if ok {
		ch <- obj
	}
}

func (s *Session) broadcast(ev map[string]any) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than stall the reader.
		}
	}
}

// Subscribe returns an event channel and its cancel function.
func (s *Session) Subscribe() (<-chan map[string]any, func()) {
	ch := make(chan map[string]any, eventBufferSize)
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) sendObject(obj map[string]any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal rpc object: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// request sends a typed request with a fresh id and waits for its response,
// the timeout, or child exit.
func (s *Session) request(payload map[string]any, timeout time.Duration) (map[string]any, error) {
	command, _ := payload["type"].(string)
	s.reqMu.Lock()
	s.nextID++
	id := fmt.Sprintf("req-%d", s.nextID)
	ch := make(chan map[string]any, 1)
	s.pending[id] = ch
	s.reqMu.Unlock()
	payload["id"] = id

	drop := func() {
		s.reqMu.Lock()
		delete(s.pending, id)
		s.reqMu.Unlock()
	}

	start := time.Now()
	if err := s.sendObject(payload); err != nil {
		drop()
		metrics.ObserveRPCRequest(command, "send_error", time.Since(start))
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		metrics.ObserveRPCRequest(command, "ok", time.Since(start))
		return resp, nil
	case <-timer.C:
		drop()
		metrics.ObserveRPCRequest(command, "timeout", time.Since(start))
		return nil, fmt.Errorf("%s request timed out after %s", command, timeout)
	case <-s.exitCh:
		drop()
		metrics.ObserveRPCRequest(command, "exit", time.Since(start))
		return nil, fmt.Errorf("%s request failed: %s", command, s.ExitReason())
	}
}

// Prompt runs one prompt to completion and returns the final assistant text.
// An empty return with nil error means the child reported no final text; the
// caller falls back to its buffered deltas.
func (s *Session) Prompt(ctx context.Context, message string, h PromptHandlers) (string, error) {
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	resp, err := s.request(map[string]any{"type": "prompt", "message": message}, promptAckTimeout)
	if err != nil {
		return "", err
	}
	if success, _ := resp["success"].(bool); !success {
		msg, _ := resp["error"].(string)
		if msg == "" {
			msg = "prompt rejected by agent"
		}
		return "", fmt.Errorf("prompt rejected: %s", msg)
	}

	deadline := time.NewTimer(promptCompletionTimeout)
	defer deadline.Stop()
collect:
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("prompt did not finish within %s", promptCompletionTimeout)
		case <-s.exitCh:
			return "", fmt.Errorf("prompt interrupted: %s", s.ExitReason())
		case ev := <-events:
			switch ev["type"] {
			case "agent_end":
				break collect
			case "message_update":
				if ame, ok := ev["assistantMessageEvent"].(map[string]any); ok {
					if t, _ := ame["type"].(string); t == "text_delta" {
						if delta, ok := ame["delta"].(string); ok && h.OnTextDelta != nil {
							h.OnTextDelta(delta)
						}
					}
				}
			case "tool_execution_start":
				if name, ok := ev["toolName"].(string); ok && h.OnToolStart != nil {
					h.OnToolStart(name)
				}
			case "tool_execution_end":
				if name, ok := ev["toolName"].(string); ok && h.OnToolEnd != nil {
					h.OnToolEnd(name)
				}
			case "log":
				if msg, ok := ev["message"].(string); ok && h.OnLog != nil {
					h.OnLog(msg)
				}
			}
		}
	}

	resp, err = s.request(map[string]any{"type": "get_last_assistant_text"}, lastTextTimeout)
	if err != nil {
		s.logger.Warn("get_last_assistant_text failed", "error", err)
		return "", nil
	}
	if data, ok := resp["data"].(map[string]any); ok {
		if text, ok := data["text"].(string); ok {
			return text, nil
		}
	}
	return "", nil
}

// Abort asks the child to stop the current prompt. Best-effort: a dead child
// already determined the terminal state elsewhere.
func (s *Session) Abort() error {
	_, err := s.request(map[string]any{"type": "abort"}, abortTimeout)
	return err
}

// ExitReason describes why the child is gone, or empty while alive.
func (s *Session) ExitReason() string {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	return s.exitReason
}

// terminate records the exit reason once, rejects all pending requests, and
// releases exit waiters.
func (s *Session) terminate(reason string) {
	s.exitOnce.Do(func() {
		s.exitMu.Lock()
		s.exitReason = reason
		s.exitMu.Unlock()
		close(s.exitCh)
		s.reqMu.Lock()
		pending := s.pending
		s.pending = make(map[string]chan map[string]any)
		s.reqMu.Unlock()
		for id, ch := range pending {
			ch <- map[string]any{
				"type":    "response",
				"id":      id,
				"success": false,
				"error":   reason,
			}
		}
	})
}

// Stop closes stdin, signals SIGTERM, and escalates to SIGKILL after the
// grace period.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.stdin != nil {
			s.stdin.Close()
		}
		if s.proc == nil || s.proc.Process == nil {
			return
		}
		if err := s.proc.Process.Signal(syscall.SIGTERM); err != nil {
			return
		}
		go func() {
			select {
			case <-s.exitCh:
			case <-time.After(killGrace):
				_ = s.proc.Process.Kill()
			}
		}()
	})
}
