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
	"net/http"
	"strings"

	"orchd/pkg/control"
)

// Worker endpoints. Shapes here are the contract with internal/worker.Client.

func (s *Server) handleWorkerClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkerID string `json:"workerId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.WorkerID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"field":   "workerId",
			"message": "is required",
		})
		return
	}
	job, err := s.store.ClaimNextQueuedJob(body.WorkerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleWorkerEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Event control.JobEvent `json:"event"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.store.AppendWorkerEvent(r.PathValue("id"), body.Event); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	requested, err := s.store.AbortRequested(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"abortRequested": requested})
}

func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResultText string `json:"resultText"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	job, err := s.store.CompleteJob(r.PathValue("id"), body.ResultText)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleWorkerFail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error string `json:"error"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	job, err := s.store.FailJob(r.PathValue("id"), body.Error)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleWorkerAborted(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	job, err := s.store.MarkAborted(r.PathValue("id"), body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}
