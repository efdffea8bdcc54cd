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
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// systemPromptAppendFile is written into the session directory when the
// profile carries an extra system prompt.
const systemPromptAppendFile = ".system-prompt-append.md"

var sessionKeySanitizer = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeKey maps a session key to a filesystem-safe directory name.
func SanitizeKey(key string) string {
	return sessionKeySanitizer.ReplaceAllString(key, "_")
}

// PoolConfig describes how to spawn child agent processes.
type PoolConfig struct {
	Binary             string
	Workspace          string
	SessionRoot        string
	Provider           string
	Model              string
	AppendSystemPrompt string
	// ExtraEnv entries (KEY=VALUE) are appended to the inherited environment.
	ExtraEnv []string
	Logger   *slog.Logger
}

// SessionPool owns the live sessions for one agent configuration, keyed by
// session key. Dead sessions are replaced on the next Get.
type SessionPool struct {
	mu       sync.Mutex
	cfg      PoolConfig
	sessions map[string]*Session
	spawn    func(cfg PoolConfig, key string) (*Session, error)
}

// NewPool builds a pool that spawns real child processes.
func NewPool(cfg PoolConfig) *SessionPool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionPool{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		spawn:    startSession,
	}
}

// SetSpawner overrides process spawning. Tests only.
func (p *SessionPool) SetSpawner(fn func(cfg PoolConfig, key string) (*Session, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawn = fn
}

// Get returns the live session for key, starting one if none exists or the
// previous child died.
func (p *SessionPool) Get(key string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[key]; ok {
		if s.Alive() {
			return s, nil
		}
		s.Stop()
		delete(p.sessions, key)
	}
	s, err := p.spawn(p.cfg, key)
	if err != nil {
		return nil, err
	}
	p.sessions[key] = s
	return s, nil
}

// StopAll shuts down every live session.
func (p *SessionPool) StopAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}

// startSession creates the session directory, spawns the agent binary in RPC
// mode, and verifies the child survives the startup grace period.
func startSession(cfg PoolConfig, key string) (*Session, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("no agent binary configured")
	}
	dir := filepath.Join(cfg.SessionRoot, SanitizeKey(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", dir, err)
	}

	args := []string{"--mode", "rpc", "--session-dir", dir}
	if cfg.Provider != "" {
		args = append(args, "--provider", cfg.Provider)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.AppendSystemPrompt != "" {
		promptPath := filepath.Join(dir, systemPromptAppendFile)
		if err := os.WriteFile(promptPath, []byte(cfg.AppendSystemPrompt), 0o644); err != nil {
			return nil, fmt.Errorf("write system prompt append file: %w", err)
		}
		args = append(args, "--append-system-prompt", promptPath)
	}

	cmd := exec.Command(cfg.Binary, args...)
	if cfg.Workspace != "" {
		cmd.Dir = cfg.Workspace
	}
	cmd.Env = append(os.Environ(), cfg.ExtraEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent binary %s: %w", cfg.Binary, err)
	}

	s := NewSession(key, dir, stdin, stdout, stderr, cmd, cfg.Logger)
	select {
	case <-s.exitCh:
		return nil, fmt.Errorf("agent exited during startup: %s", s.ExitReason())
	case <-time.After(startupGrace):
	}
	return s, nil
}
