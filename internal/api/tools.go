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
	"fmt"
	"net/http"

	"orchd/internal/proactive"
)

// toolDescriptor is one entry in the agent-facing tool catalog.
type toolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// toolCatalog lists the self-management tools agents may invoke through the
// gateway. Names are stable identifiers.
var toolCatalog = []toolDescriptor{
	{"cron.list", "List all cron rules."},
	{"cron.add", "Add a new cron rule. Arguments: the rule document."},
	{"cron.update", "Replace an existing cron rule. Arguments: the rule document."},
	{"cron.remove", "Remove a cron rule. Arguments: {id}."},
	{"cron.run", "Fire a cron rule immediately. Arguments: {id}."},
	{"heartbeat.list", "List all heartbeat rules."},
	{"heartbeat.add", "Add a new heartbeat rule. Arguments: the rule document."},
	{"heartbeat.update", "Replace an existing heartbeat rule. Arguments: the rule document."},
	{"heartbeat.remove", "Remove a heartbeat rule. Arguments: {id}."},
	{"heartbeat.run", "Fire a heartbeat rule immediately. Arguments: {id}."},
	{"proactive.runs", "List jobs created by proactive triggers. Arguments: {limit?, triggerKey?}."},
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": toolCatalog})
}

type invokeBody struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type idArgs struct {
	ID string `json:"id"`
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	var body invokeBody
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := s.invokeTool(body.Tool, body.Arguments)
	if err != nil {
		switch {
		case errors.Is(err, errUnknownTool):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "unknown_tool",
				"message": fmt.Sprintf("no such tool %q", body.Tool),
			})
		default:
			ruleError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

var errUnknownTool = errors.New("unknown tool")

func (s *Server) invokeTool(tool string, args json.RawMessage) (any, error) {
	switch tool {
	case "cron.list":
		return map[string]any{"rules": s.runtime.ConfigSnapshot().CronRules}, nil
	case "cron.add", "cron.update":
		var rule proactive.CronRule
		if err := unmarshalArgs(args, &rule); err != nil {
			return nil, err
		}
		if err := checkRuleExists(tool, ruleExists(s.runtime.ConfigSnapshot().CronRules, rule.ID, func(r proactive.CronRule) string { return r.ID })); err != nil {
			return nil, err
		}
		if err := s.runtime.UpsertCronRule(rule); err != nil {
			return nil, err
		}
		return map[string]any{"id": rule.ID}, nil
	case "cron.remove":
		var a idArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		if err := s.runtime.DeleteCronRule(a.ID); err != nil {
			return nil, err
		}
		return map[string]any{"id": a.ID}, nil
	case "cron.run":
		var a idArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.runtime.TriggerCronNow(a.ID)
	case "heartbeat.list":
		return map[string]any{"rules": s.runtime.ConfigSnapshot().HeartbeatRules}, nil
	case "heartbeat.add", "heartbeat.update":
		var rule proactive.HeartbeatRule
		if err := unmarshalArgs(args, &rule); err != nil {
			return nil, err
		}
		if err := checkRuleExists(tool, ruleExists(s.runtime.ConfigSnapshot().HeartbeatRules, rule.ID, func(r proactive.HeartbeatRule) string { return r.ID })); err != nil {
			return nil, err
		}
		if err := s.runtime.UpsertHeartbeatRule(rule); err != nil {
			return nil, err
		}
		return map[string]any{"id": rule.ID}, nil
	case "heartbeat.remove":
		var a idArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		if err := s.runtime.DeleteHeartbeatRule(a.ID); err != nil {
			return nil, err
		}
		return map[string]any{"id": a.ID}, nil
	case "heartbeat.run":
		var a idArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.runtime.TriggerHeartbeatNow(a.ID)
	case "proactive.runs":
		var a struct {
			Limit      int    `json:"limit"`
			TriggerKey string `json:"triggerKey"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		if a.Limit <= 0 {
			a.Limit = defaultListLimit
		}
		return map[string]any{"runs": s.store.ListProactiveRuns(a.Limit, a.TriggerKey)}, nil
	default:
		return nil, errUnknownTool
	}
}

// checkRuleExists enforces add-vs-update semantics: add rejects an existing
// id, update rejects a missing one.
func checkRuleExists(tool string, exists bool) error {
	switch {
	case tool == "cron.add" || tool == "heartbeat.add":
		if exists {
			return fmt.Errorf("rule id already exists; use %s", tool[:len(tool)-4]+".update")
		}
	case tool == "cron.update" || tool == "heartbeat.update":
		if !exists {
			return proactive.ErrRuleNotFound
		}
	}
	return nil
}

func ruleExists[T any](rules []T, id string, key func(T) string) bool {
	for _, r := range rules {
		if key(r) == id {
			return true
		}
	}
	return false
}

func unmarshalArgs(args json.RawMessage, dst any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return fmt.Errorf("arguments: %w", err)
	}
	return nil
}
