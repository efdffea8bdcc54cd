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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"orchd/internal/proactive"
	"orchd/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshal response failed", "error", err)
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Warn("write response body failed", "error", err)
	}
}

// decodeBody parses the JSON request body into dst. A false return means a
// 400 was already written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"message": "malformed JSON body: " + err.Error(),
		})
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints where an empty body is
// valid.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":   "validation_error",
		"message": "malformed JSON body: " + err.Error(),
	})
	return false
}

// writeError maps store and runtime errors onto the HTTP error contract.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *store.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"field":   ve.Field,
			"message": ve.Message,
		})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, proactive.ErrRuleNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule_not_found"})
	case errors.Is(err, proactive.ErrBadSecret):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, store.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
