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

// Package policy decides which tools an agent may run. Policies compose in
// layers (default, per job kind, per model profile): deny lists accumulate,
// allow lists replace, deny always wins.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"orchd/pkg/control"
)

// Denial and grant reasons, surfaced in job errors and logs.
const (
	ReasonAllowed         = "allowed"
	ReasonMatchedDenyRule = "matched_deny_rule"
	ReasonAllowlistEmpty  = "allowlist_empty"
	ReasonNotInAllowlist  = "not_in_allowlist"
)

// Layer is one policy fragment. Allow is a pointer so an absent allow list
// (no restriction) is distinct from a present-but-empty one (deny all).
type Layer struct {
	Allow *[]string `json:"allow,omitempty"`
	Deny  []string  `json:"deny,omitempty"`
}

// Config is the on-disk tool policy document.
type Config struct {
	Default   *Layer           `json:"default,omitempty"`
	ByKind    map[string]Layer `json:"byKind,omitempty"`
	ByProfile map[string]Layer `json:"byProfile,omitempty"`
}

// Decision is the outcome for one tool invocation.
type Decision struct {
	Allowed            bool   `json:"allowed"`
	Reason             string `json:"reason"`
	MatchedDenyPattern string `json:"matchedDenyPattern,omitempty"`
}

// Engine evaluates tool names against the layered policy. Pattern regexes
// are compiled once and cached.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// Load reads the policy file. An empty path or missing file yields the
// allow-all policy.
func Load(path string) (*Engine, error) {
	if path == "" {
		return New(Config{})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(Config{})
		}
		return nil, fmt.Errorf("read tool policy %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse tool policy %s: %w", path, err)
	}
	return New(cfg)
}

// New builds an engine after validating every pattern in the config.
func New(cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg, cache: make(map[string]*regexp.Regexp)}
	validateLayer := func(where string, l Layer) error {
		if l.Allow != nil {
			for _, p := range *l.Allow {
				if _, err := e.pattern(p); err != nil {
					return fmt.Errorf("tool policy %s: allow pattern %q: %w", where, p, err)
				}
			}
		}
		for _, p := range l.Deny {
			if _, err := e.pattern(p); err != nil {
				return fmt.Errorf("tool policy %s: deny pattern %q: %w", where, p, err)
			}
		}
		return nil
	}
	if cfg.Default != nil {
		if err := validateLayer("default", *cfg.Default); err != nil {
			return nil, err
		}
	}
	for kind, l := range cfg.ByKind {
		if err := validateLayer("byKind."+kind, l); err != nil {
			return nil, err
		}
	}
	for profile, l := range cfg.ByProfile {
		if err := validateLayer("byProfile."+profile, l); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Evaluate composes default → byKind → byProfile and tests the tool name.
func (e *Engine) Evaluate(kind control.JobKind, profileID, toolName string) Decision {
	var deny []string
	var allow *[]string

	apply := func(l Layer) {
		deny = append(deny, l.Deny...)
		if l.Allow != nil {
			replaced := append([]string(nil), (*l.Allow)...)
			allow = &replaced
		}
	}
	if e.cfg.Default != nil {
		apply(*e.cfg.Default)
	}
	if l, ok := e.cfg.ByKind[kind.String()]; ok {
		apply(l)
	}
	if l, ok := e.cfg.ByProfile[profileID]; ok {
		apply(l)
	}

	for _, p := range deny {
		if e.matches(p, toolName) {
			return Decision{Reason: ReasonMatchedDenyRule, MatchedDenyPattern: p}
		}
	}
	if allow != nil {
		if len(*allow) == 0 {
			return Decision{Reason: ReasonAllowlistEmpty}
		}
		for _, p := range *allow {
			if e.matches(p, toolName) {
				return Decision{Allowed: true, Reason: ReasonAllowed}
			}
		}
		return Decision{Reason: ReasonNotInAllowlist}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

func (e *Engine) matches(pattern, toolName string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == toolName
	}
	re, err := e.pattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(toolName)
}

// pattern compiles a wildcard pattern to an anchored regexp, caching the
// result.
func (e *Engine) pattern(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.cache[pattern]; ok {
		return re, nil
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, err
	}
	e.cache[pattern] = re
	return re, nil
}
