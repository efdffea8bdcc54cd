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

// The worker claims jobs from the orchestrator and executes them, either
// against real agent child processes (rpc mode) or a deterministic mock.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"orchd/internal/logging"
	"orchd/internal/policy"
	"orchd/internal/routing"
	"orchd/internal/rpc"
	"orchd/internal/worker"
)

const minTokenChars = 16

// Config holds runtime configuration for the worker, provided via
// environment variables.
type Config struct {
	BaseURL           string        // ORCH_BASE_URL
	WorkerToken       string        // ORCH_WORKER_TOKEN (do not log value)
	WorkerID          string        // WORKER_ID
	PollInterval      time.Duration // WORKER_POLL_MS
	HeartbeatInterval time.Duration // WORKER_HEARTBEAT_MS
	ExecMode          string        // PI_EXEC_MODE: mock|rpc

	Binary             string // PI_BINARY
	Provider           string // PI_PROVIDER
	Model              string // PI_MODEL
	Workspace          string // PI_WORKSPACE
	SessionRoot        string // PI_SESSION_ROOT
	AppendSystemPrompt string // PI_APPEND_SYSTEM_PROMPT
	RoutingFile        string // PI_MODEL_ROUTING_FILE
	PolicyFile         string // PI_TOOL_POLICY_FILE

	LogLevel string // LOG_LEVEL
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func parseConfig() (Config, error) {
	cfg := Config{
		BaseURL:           getenv("ORCH_BASE_URL", "http://127.0.0.1:8080"),
		WorkerToken:       os.Getenv("ORCH_WORKER_TOKEN"),
		WorkerID:          getenv("WORKER_ID", defaultWorkerID()),
		PollInterval:      getenvMillis("WORKER_POLL_MS", worker.DefaultPollInterval),
		HeartbeatInterval: getenvMillis("WORKER_HEARTBEAT_MS", worker.DefaultHeartbeatInterval),
		ExecMode:          getenv("PI_EXEC_MODE", "mock"),

		Binary:             os.Getenv("PI_BINARY"),
		Provider:           os.Getenv("PI_PROVIDER"),
		Model:              os.Getenv("PI_MODEL"),
		Workspace:          os.Getenv("PI_WORKSPACE"),
		SessionRoot:        getenv("PI_SESSION_ROOT", "./var/orchd/sessions"),
		AppendSystemPrompt: os.Getenv("PI_APPEND_SYSTEM_PROMPT"),
		RoutingFile:        os.Getenv("PI_MODEL_ROUTING_FILE"),
		PolicyFile:         os.Getenv("PI_TOOL_POLICY_FILE"),

		LogLevel: getenv("LOG_LEVEL", "info"),
	}
	if len(cfg.WorkerToken) < minTokenChars {
		return Config{}, fmt.Errorf("ORCH_WORKER_TOKEN must be at least %d characters", minTokenChars)
	}
	switch cfg.ExecMode {
	case "mock", "rpc":
	default:
		return Config{}, fmt.Errorf("PI_EXEC_MODE must be \"mock\" or \"rpc\", got %q", cfg.ExecMode)
	}
	if cfg.ExecMode == "rpc" && cfg.Binary == "" {
		return Config{}, fmt.Errorf("PI_BINARY is required in rpc mode")
	}
	return cfg, nil
}

// poolFactory spawns one session pool per model profile. Profile env and
// envFrom entries become child process environment.
func poolFactory(cfg Config, logger *slog.Logger) routing.PoolFactory {
	return func(p routing.Profile) *rpc.SessionPool {
		extra := make([]string, 0, len(p.Env)+len(p.EnvFrom))
		for k, v := range p.Env {
			extra = append(extra, k+"="+v)
		}
		for k, hostVar := range p.EnvFrom {
			extra = append(extra, k+"="+os.Getenv(hostVar))
		}
		sort.Strings(extra)
		return rpc.NewPool(rpc.PoolConfig{
			Binary:             cfg.Binary,
			Workspace:          cfg.Workspace,
			SessionRoot:        cfg.SessionRoot,
			Provider:           p.Provider,
			Model:              p.Model,
			AppendSystemPrompt: p.AppendSystemPrompt,
			ExtraEnv:           extra,
			Logger:             logger,
		})
	}
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	var router *routing.Router
	var engine *policy.Engine
	if cfg.ExecMode == "rpc" {
		router, err = routing.Load(cfg.RoutingFile, routing.LegacyDefaults{
			Provider:           cfg.Provider,
			Model:              cfg.Model,
			AppendSystemPrompt: cfg.AppendSystemPrompt,
		}, poolFactory(cfg, logger), logger)
		if err != nil {
			logger.Error("load routing config failed", "path", cfg.RoutingFile, "error", err)
			os.Exit(1)
		}
		engine, err = policy.Load(cfg.PolicyFile)
		if err != nil {
			logger.Error("load tool policy failed", "path", cfg.PolicyFile, "error", err)
			os.Exit(1)
		}
	}

	w := worker.New(worker.Config{
		WorkerID:          cfg.WorkerID,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MockMode:          cfg.ExecMode == "mock",
	}, worker.NewClient(cfg.BaseURL, cfg.WorkerToken), router, engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", "workerId", cfg.WorkerID, "baseUrl", cfg.BaseURL, "mode", cfg.ExecMode)
	err = w.Run(ctx)
	if router != nil {
		router.StopAllSessions()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker exited")
}
