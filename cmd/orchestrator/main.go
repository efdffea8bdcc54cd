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

// The orchestrator is the control-plane process: it owns the job store,
// serves the HTTP API, and runs the proactive scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"orchd/internal/api"
	"orchd/internal/logging"
	"orchd/internal/proactive"
	"orchd/internal/store"
)

const (
	minTokenChars   = 16
	shutdownTimeout = 20 * time.Second
)

// Config holds runtime configuration for the orchestrator, provided via
// environment variables.
type Config struct {
	Host                string // ORCH_HOST
	Port                string // ORCH_PORT
	StateFile           string // ORCH_STATE_FILE
	ProactiveConfigFile string // ORCH_PROACTIVE_CONFIG_FILE
	GatewayToken        string // ORCH_GATEWAY_TOKEN (do not log value)
	WorkerToken         string // ORCH_WORKER_TOKEN (do not log value)
	LogLevel            string // LOG_LEVEL
}

func defaultConfig() Config {
	return Config{
		Host:                "",
		Port:                "8080",
		StateFile:           "./orchd-state.json",
		ProactiveConfigFile: "./orchd-proactive.json",
		LogLevel:            "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseConfig() (Config, error) {
	def := defaultConfig()
	cfg := Config{
		Host:                getenv("ORCH_HOST", def.Host),
		Port:                getenv("ORCH_PORT", def.Port),
		StateFile:           getenv("ORCH_STATE_FILE", def.StateFile),
		ProactiveConfigFile: getenv("ORCH_PROACTIVE_CONFIG_FILE", def.ProactiveConfigFile),
		GatewayToken:        os.Getenv("ORCH_GATEWAY_TOKEN"),
		WorkerToken:         os.Getenv("ORCH_WORKER_TOKEN"),
		LogLevel:            getenv("LOG_LEVEL", def.LogLevel),
	}
	if len(cfg.GatewayToken) < minTokenChars {
		return Config{}, fmt.Errorf("ORCH_GATEWAY_TOKEN must be at least %d characters", minTokenChars)
	}
	if len(cfg.WorkerToken) < minTokenChars {
		return Config{}, fmt.Errorf("ORCH_WORKER_TOKEN must be at least %d characters", minTokenChars)
	}
	return cfg, nil
}

// redactSecret keeps the first four characters for operator recognition.
func redactSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		"stateFile", cfg.StateFile,
		"proactiveConfigFile", cfg.ProactiveConfigFile,
		"gatewayToken", redactSecret(cfg.GatewayToken),
		"workerToken", redactSecret(cfg.WorkerToken))

	st, err := store.Open(cfg.StateFile)
	if err != nil {
		logger.Error("open state file failed", "path", cfg.StateFile, "error", err)
		os.Exit(1)
	}

	pcfg, err := proactive.LoadConfig(cfg.ProactiveConfigFile)
	if err != nil {
		logger.Error("load proactive config failed", "path", cfg.ProactiveConfigFile, "error", err)
		os.Exit(1)
	}
	runtime := proactive.New(st, pcfg, func(c proactive.Config) error {
		return proactive.SaveConfig(cfg.ProactiveConfigFile, c)
	}, logger)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      api.New(st, runtime, cfg.GatewayToken, cfg.WorkerToken, logger).Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("orchestrator listening", "addr", server.Addr, "stateFile", cfg.StateFile)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return runtime.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator exited")
}
