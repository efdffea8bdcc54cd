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

package api

import (
	"errors"
	"io"
	"net/http"

	"orchd/internal/proactive"
)

// webhookSecretHeader carries the per-rule shared secret on ingress posts.
const webhookSecretHeader = "x-webhook-secret"

func (s *Server) handleProactiveState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.StateSnapshot())
}

func (s *Server) handleProactiveConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.ConfigSnapshot())
}

func (s *Server) handleProactiveRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultListLimit)
	if !ok {
		return
	}
	runs := s.store.ListProactiveRuns(limit, r.URL.Query().Get("triggerKey"))
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// ruleError maps rule mutation failures: unknown rule is 404, anything else
// is a rejected rule document.
func ruleError(w http.ResponseWriter, err error) {
	if errors.Is(err, proactive.ErrRuleNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule_not_found"})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":   "validation_error",
		"message": err.Error(),
	})
}

func (s *Server) handleUpsertHeartbeat(w http.ResponseWriter, r *http.Request) {
	var rule proactive.HeartbeatRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if err := s.runtime.UpsertHeartbeatRule(rule); err != nil {
		ruleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.DeleteHeartbeatRule(r.PathValue("id")); err != nil {
		ruleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRunHeartbeat(w http.ResponseWriter, r *http.Request) {
	res, err := s.runtime.TriggerHeartbeatNow(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "status": res.Status, "jobId": res.JobID})
}

func (s *Server) handleUpsertCron(w http.ResponseWriter, r *http.Request) {
	var rule proactive.CronRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if err := s.runtime.UpsertCronRule(rule); err != nil {
		ruleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteCron(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.DeleteCronRule(r.PathValue("id")); err != nil {
		ruleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRunCron(w http.ResponseWriter, r *http.Request) {
	res, err := s.runtime.TriggerCronNow(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "status": res.Status, "jobId": res.JobID})
}

func (s *Server) handleUpsertWebhook(w http.ResponseWriter, r *http.Request) {
	var rule proactive.WebhookRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if err := s.runtime.UpsertWebhookRule(rule); err != nil {
		ruleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.DeleteWebhookRule(r.PathValue("id")); err != nil {
		ruleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePendingDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultListLimit)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": s.store.ListPendingProactiveDeliveries(limit),
	})
}

func (s *Server) handleAckDelivery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Receipt string `json:"receipt"`
	}
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	job, err := s.store.MarkProactiveDelivery(r.PathValue("id"), body.Receipt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleWebhookIngress(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"message": "read body: " + err.Error(),
		})
		return
	}
	res, err := s.runtime.HandleWebhook(r.PathValue("webhookId"), r.Header.Get(webhookSecretHeader), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := map[string]any{"ok": true, "status": res.Status}
	if res.JobID != "" {
		out["jobId"] = res.JobID
	}
	writeJSON(w, http.StatusAccepted, out)
}
