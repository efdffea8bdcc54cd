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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsCreated       *prometheus.CounterVec
	jobsTerminal      *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	eventsAppended    *prometheus.CounterVec
	proactiveTriggers *prometheus.CounterVec
	deliveriesAcked   prometheus.Counter
	rpcRequests       *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	httpDuration      *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobCreated records a newly created job by kind.
func ObserveJobCreated(kind string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsCreated != nil {
		jobsCreated.WithLabelValues(sanitizeLabel(kind, "unknown")).Inc()
	}
}

// ObserveJobTerminal records a job reaching a terminal status.
func ObserveJobTerminal(status string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsTerminal != nil {
		jobsTerminal.WithLabelValues(sanitizeLabel(status, "unknown")).Inc()
	}
}

// SetQueueDepth updates the queued-jobs gauge.
func SetQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

// ObserveEventAppended records an event appended to a job log.
func ObserveEventAppended(eventType string) {
	mu.RLock()
	defer mu.RUnlock()
	if eventsAppended != nil {
		eventsAppended.WithLabelValues(sanitizeLabel(eventType, "unknown")).Inc()
	}
}

// ObserveProactiveTrigger records a trigger attempt and its outcome
// (enqueued, duplicate_active_job, backoff_blocked).
func ObserveProactiveTrigger(kind, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if proactiveTriggers != nil {
		proactiveTriggers.WithLabelValues(sanitizeLabel(kind, "unknown"), sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// ObserveDeliveryAcked records a delivery outbox acknowledgement.
func ObserveDeliveryAcked() {
	mu.RLock()
	defer mu.RUnlock()
	if deliveriesAcked != nil {
		deliveriesAcked.Inc()
	}
}

// ObserveRPCRequest records a completed agent RPC request attempt.
func ObserveRPCRequest(command, status string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if rpcRequests != nil {
		rpcRequests.WithLabelValues(sanitizeLabel(command, "unknown"), sanitizeLabel(status, "unknown")).Inc()
	}
	if rpcDuration != nil {
		rpcDuration.WithLabelValues(sanitizeLabel(command, "unknown")).Observe(durationSeconds(duration))
	}
}

// ObserveHTTPRequest records a handled control-API request.
func ObserveHTTPRequest(route string, code int, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if httpDuration != nil {
		httpDuration.WithLabelValues(sanitizeLabel(route, "unknown"), httpCodeClass(code)).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchd",
		Subsystem: "jobs",
		Name:      "created_total",
		Help:      "Total jobs created, by kind.",
	}, []string{"kind"})

	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchd",
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Total jobs reaching a terminal status.",
	}, []string{"status"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchd",
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Number of jobs currently queued.",
	})

	appended := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchd",
		Subsystem: "jobs",
		Name:      "events_appended_total",
		Help:      "Total job events appended, by type.",
	}, []string{"type"})

	triggers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchd",
		Subsystem: "proactive",
		Name:      "triggers_total",
		Help:      "Proactive trigger attempts grouped by rule kind and outcome.",
	}, []string{"kind", "outcome"})

	acked := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchd",
		Subsystem: "proactive",
		Name:      "deliveries_acked_total",
		Help:      "Delivery outbox entries acknowledged by the gateway.",
	})

	rpcReq := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchd",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Agent RPC requests grouped by command and status.",
	}, []string{"command", "status"})

	rpcDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchd",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Duration of agent RPC requests by command.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
	}, []string{"command"})

	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchd",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of control API requests by route and status class.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "class"})

	registry.MustRegister(created, terminal, depth, appended, triggers, acked, rpcReq, rpcDur, httpDur)

	reg = registry
	jobsCreated = created
	jobsTerminal = terminal
	queueDepth = depth
	eventsAppended = appended
	proactiveTriggers = triggers
	deliveriesAcked = acked
	rpcRequests = rpcReq
	rpcDuration = rpcDur
	httpDuration = httpDur
}

func httpCodeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
