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
	"strconv"

	"orchd/internal/store"
	"orchd/pkg/control"
)

const defaultListLimit = 50

type createJobBody struct {
	Kind             string            `json:"kind"`
	Prompt           string            `json:"prompt"`
	Channel          string            `json:"channel"`
	ChatID           string            `json:"chatId"`
	ThreadID         string            `json:"threadId"`
	RequesterID      string            `json:"requesterId"`
	SessionKey       string            `json:"sessionKey"`
	RequiresApproval bool              `json:"requiresApproval"`
	Metadata         map[string]string `json:"metadata"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body createJobBody
	if !decodeBody(w, r, &body) {
		return
	}
	job, err := s.store.CreateJob(store.CreateJobRequest{
		Kind:             control.JobKind(body.Kind),
		Prompt:           body.Prompt,
		Channel:          body.Channel,
		ChatID:           body.ChatID,
		ThreadID:         body.ThreadID,
		RequesterID:      body.RequesterID,
		SessionKey:       body.SessionKey,
		RequiresApproval: body.RequiresApproval,
		Metadata:         body.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := control.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"field":   "status",
			"message": "unknown job status",
		})
		return
	}
	limit, ok := queryLimit(w, r, defaultListLimit)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.store.ListJobs(status, limit)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	cursor := 0
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "validation_error",
				"field":   "cursor",
				"message": "must be a non-negative integer",
			})
			return
		}
		cursor = n
	}
	events, next, total, err := s.store.GetEvents(r.PathValue("id"), cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     events,
		"nextCursor": next,
		"total":      total,
	})
}

func (s *Server) handleApproveJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.ApproveJob(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.RequestAbort(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleAdminState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"state": s.store.AdminState()})
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	// The reason body is optional.
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	st, err := s.store.SetPaused(true, body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": st})
}

func (s *Server) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.SetPaused(false, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": st})
}

// queryLimit parses the limit query parameter. A false return means a 400
// was already written.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"field":   "limit",
			"message": "must be a positive integer",
		})
		return 0, false
	}
	return n, true
}
