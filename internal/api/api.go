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

// Package api serves the orchestrator's HTTP surface: gateway endpoints for
// job and rule management, worker endpoints for the claim loop, and the
// unauthenticated webhook ingress guarded by per-rule secrets.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"orchd/internal/ctxkeys"
	"orchd/internal/metrics"
	"orchd/internal/proactive"
	"orchd/internal/store"
)

// maxBodyBytes bounds every request body read.
const maxBodyBytes = 1 << 20

// Server wires the job store and proactive runtime to HTTP handlers. Two
// bearer tokens split the surface: the gateway token for management calls and
// the worker token for the claim loop.
type Server struct {
	store        *store.Store
	runtime      *proactive.Runtime
	gatewayToken string
	workerToken  string
	logger       *slog.Logger
}

// New builds a server. Token length is validated by the caller.
func New(st *store.Store, rt *proactive.Runtime, gatewayToken, workerToken string, logger *slog.Logger) *Server {
	return &Server{
		store:        st,
		runtime:      rt,
		gatewayToken: gatewayToken,
		workerToken:  workerToken,
		logger:       logger.With("component", "api"),
	}
}

// Handler returns the fully wired mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	// Webhook ingress authenticates per rule, not per token.
	mux.HandleFunc("POST /v1/proactive/webhooks/{webhookId}", s.instrument("/v1/proactive/webhooks/{webhookId}", s.handleWebhookIngress))

	gw := func(pattern string, h http.HandlerFunc) {
		route := strings.TrimSpace(strings.SplitN(pattern, " ", 2)[1])
		mux.HandleFunc(pattern, s.instrument(route, s.requireToken(s.gatewayToken, h)))
	}
	wk := func(pattern string, h http.HandlerFunc) {
		route := strings.TrimSpace(strings.SplitN(pattern, " ", 2)[1])
		mux.HandleFunc(pattern, s.instrument(route, s.requireToken(s.workerToken, h)))
	}

	gw("POST /v1/jobs", s.handleCreateJob)
	gw("GET /v1/jobs", s.handleListJobs)
	gw("GET /v1/jobs/{id}", s.handleGetJob)
	gw("GET /v1/jobs/{id}/events", s.handleJobEvents)
	gw("POST /v1/jobs/{id}/approve", s.handleApproveJob)
	gw("POST /v1/jobs/{id}/abort", s.handleAbortJob)

	gw("GET /v1/admin/state", s.handleAdminState)
	gw("POST /v1/admin/pause", s.handleAdminPause)
	gw("POST /v1/admin/resume", s.handleAdminResume)

	gw("GET /v1/proactive/state", s.handleProactiveState)
	gw("GET /v1/proactive/config", s.handleProactiveConfig)
	gw("GET /v1/proactive/runs", s.handleProactiveRuns)
	gw("POST /v1/proactive/rules/heartbeat", s.handleUpsertHeartbeat)
	gw("DELETE /v1/proactive/rules/heartbeat/{id}", s.handleDeleteHeartbeat)
	gw("POST /v1/proactive/rules/heartbeat/{id}/run", s.handleRunHeartbeat)
	gw("POST /v1/proactive/rules/cron", s.handleUpsertCron)
	gw("DELETE /v1/proactive/rules/cron/{id}", s.handleDeleteCron)
	gw("POST /v1/proactive/rules/cron/{id}/run", s.handleRunCron)
	gw("POST /v1/proactive/rules/webhook", s.handleUpsertWebhook)
	gw("DELETE /v1/proactive/rules/webhook/{id}", s.handleDeleteWebhook)
	gw("GET /v1/proactive/deliveries/pending", s.handlePendingDeliveries)
	gw("POST /v1/proactive/deliveries/{id}/ack", s.handleAckDelivery)

	gw("GET /v1/tools", s.handleListTools)
	gw("POST /v1/tools/invoke", s.handleInvokeTool)

	wk("POST /v1/workers/claim", s.handleWorkerClaim)
	wk("POST /v1/workers/{id}/events", s.handleWorkerEvent)
	wk("GET /v1/workers/{id}/heartbeat", s.handleWorkerHeartbeat)
	wk("POST /v1/workers/{id}/complete", s.handleWorkerComplete)
	wk("POST /v1/workers/{id}/fail", s.handleWorkerFail)
	wk("POST /v1/workers/{id}/aborted", s.handleWorkerAborted)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireToken rejects requests whose bearer token does not match. The token
// may arrive as Authorization: Bearer or in the x-orch-token header.
func (s *Server) requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("x-orch-token")
		if presented == "" {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if strings.HasPrefix(header, prefix) {
				presented = header[len(prefix):]
			}
		}
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// instrument bounds the body, tags the request with a correlation ID, and
// records metrics per route pattern.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		ctx, corrID := ctxkeys.EnsureCorrelationID(r.Context())
		w.Header().Set("X-Correlation-Id", corrID)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r.WithContext(ctx))
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(route, rec.code, elapsed)
		s.logger.Debug("request", "method", r.Method, "route", route, "status", rec.code, "duration", elapsed, "correlationId", corrID)
		if rec.code >= http.StatusInternalServerError {
			s.logger.Error("request failed", "route", route, "status", rec.code, "correlationId", corrID)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
