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

// Package routing picks which model profile runs a job and decides whether a
// failed attempt may fall back to the next profile in the chain. Profiles
// that fail retryably are put on cooldown so the next jobs prefer cold ones.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"orchd/internal/rpc"
	"orchd/pkg/control"
)

const (
	// DefaultCooldownSeconds applies when a profile omits cooldownSeconds.
	DefaultCooldownSeconds = 180
	// MaxAttemptsCap bounds maxAttemptsPerJob whatever the config says.
	MaxAttemptsCap = 8
)

// ErrProfileNotFound is returned when job metadata requests an unknown
// profile. The message is surfaced verbatim in the job error.
var ErrProfileNotFound = errors.New("Requested model profile not found")

// Retryable error substrings, matched case-insensitively.
var retryableSubstrings = []string{
	"rate limit",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"econnreset",
	"ehostunreach",
	"etimedout",
	"429",
	"503",
	"502",
	"provider",
	"model",
	"authentication",
	"auth",
	"api key",
}

// Profile is one model configuration a job can run under.
type Profile struct {
	ID                 string            `json:"id"`
	Provider           string            `json:"provider,omitempty"`
	Model              string            `json:"model,omitempty"`
	AppendSystemPrompt string            `json:"appendSystemPrompt,omitempty"`
	CooldownSeconds    int               `json:"cooldownSeconds,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	// EnvFrom maps a child env var to a host env var that must exist.
	EnvFrom map[string]string `json:"envFrom,omitempty"`
}

func (p Profile) cooldown() time.Duration {
	secs := p.CooldownSeconds
	if secs <= 0 {
		secs = DefaultCooldownSeconds
	}
	return time.Duration(secs) * time.Second
}

// Config is the on-disk routing document.
type Config struct {
	Profiles          []Profile           `json:"profiles"`
	Routes            map[string][]string `json:"routes,omitempty"`
	MaxAttemptsPerJob int                 `json:"maxAttemptsPerJob,omitempty"`
}

// LegacyDefaults seed the single-profile chain used when no routing file is
// configured.
type LegacyDefaults struct {
	Provider           string
	Model              string
	AppendSystemPrompt string
}

// PoolFactory builds the RPC session pool for one profile. Nil is fine for
// mock-mode workers that never open sessions.
type PoolFactory func(p Profile) *rpc.SessionPool

// Plan is the ordered attempt list for one job.
type Plan struct {
	Profiles    []Profile
	MaxAttempts int
}

// FallbackInput describes one failed attempt.
type FallbackInput struct {
	AbortRequested         bool
	AttemptHadOutput       bool
	AttemptHadToolActivity bool
	ErrorMessage           string
}

// FallbackDecision says whether the next profile should be tried and why.
type FallbackDecision struct {
	Fallback bool
	Reason   string
}

// Router owns profiles, route chains, cooldown bookkeeping, and the lazy
// per-profile session pools.
type Router struct {
	mu          sync.Mutex
	logger      *slog.Logger
	now         func() time.Time
	profiles    map[string]Profile
	order       []string
	routes      map[string][]string
	maxAttempts int
	cooldowns   map[string]time.Time
	poolFactory PoolFactory
	pools       map[string]*rpc.SessionPool
}

// Load reads the routing config and builds the router. A missing file (or
// empty path) yields the legacy single-profile chain from the worker env
// defaults.
func Load(path string, defaults LegacyDefaults, factory PoolFactory, logger *slog.Logger) (*Router, error) {
	cfg, err := readConfig(path, defaults)
	if err != nil {
		return nil, err
	}
	return newRouter(cfg, factory, logger)
}

func readConfig(path string, defaults LegacyDefaults) (Config, error) {
	legacy := Config{
		Profiles: []Profile{{
			ID:                 "default",
			Provider:           defaults.Provider,
			Model:              defaults.Model,
			AppendSystemPrompt: defaults.AppendSystemPrompt,
		}},
	}
	if path == "" {
		return legacy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return legacy, nil
		}
		return Config{}, fmt.Errorf("read routing config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse routing config %s: %w", path, err)
	}
	return cfg, nil
}

func newRouter(cfg Config, factory PoolFactory, logger *slog.Logger) (*Router, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("routing config: at least one profile is required")
	}
	r := &Router{
		logger:      logger.With("component", "routing"),
		now:         func() time.Time { return time.Now().UTC() },
		profiles:    make(map[string]Profile, len(cfg.Profiles)),
		order:       make([]string, 0, len(cfg.Profiles)),
		routes:      make(map[string][]string),
		cooldowns:   make(map[string]time.Time),
		poolFactory: factory,
		pools:       make(map[string]*rpc.SessionPool),
	}
	for _, p := range cfg.Profiles {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("routing config: profile id must not be empty")
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("routing config: duplicate profile id %q", p.ID)
		}
		if p.CooldownSeconds < 0 {
			return nil, fmt.Errorf("routing config: profile %s: cooldownSeconds must be > 0", p.ID)
		}
		var missing []string
		for _, hostVar := range p.EnvFrom {
			if _, ok := os.LookupEnv(hostVar); !ok {
				missing = append(missing, hostVar)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, fmt.Errorf("routing config: profile %s: missing host env vars: %s", p.ID, strings.Join(missing, ", "))
		}
		r.profiles[p.ID] = p
		r.order = append(r.order, p.ID)
	}
	for kind, chain := range cfg.Routes {
		for _, id := range chain {
			if _, ok := r.profiles[id]; !ok {
				return nil, fmt.Errorf("routing config: route %q references unknown profile %q", kind, id)
			}
		}
		r.routes[kind] = append([]string(nil), chain...)
	}
	r.maxAttempts = cfg.MaxAttemptsPerJob
	if r.maxAttempts <= 0 || r.maxAttempts > MaxAttemptsCap {
		r.maxAttempts = MaxAttemptsCap
	}
	return r, nil
}

// SetNow overrides the clock. Tests only.
func (r *Router) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// chainFor returns the configured chain for a job kind, falling back to the
// default chain and then to the first profile.
func (r *Router) chainFor(kind control.JobKind) []string {
	if chain, ok := r.routes[kind.String()]; ok && len(chain) > 0 {
		return chain
	}
	if chain, ok := r.routes["default"]; ok && len(chain) > 0 {
		return chain
	}
	return r.order[:1]
}

// BuildPlan orders the profiles to try for a job: a requested profile first,
// then the kind's chain, de-duplicated, cold profiles ahead of cooled-down
// ones, truncated to the attempt budget.
func (r *Router) BuildPlan(job *control.Job) (Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := r.chainFor(job.Kind)
	if requested := job.Metadata[control.MetaModelProfile]; requested != "" {
		if _, ok := r.profiles[requested]; !ok {
			return Plan{}, ErrProfileNotFound
		}
		chain = append([]string{requested}, chain...)
	}

	seen := make(map[string]bool, len(chain))
	var cold, cooled []Profile
	now := r.now()
	for _, id := range chain {
		if seen[id] {
			continue
		}
		seen[id] = true
		p := r.profiles[id]
		if until, ok := r.cooldowns[id]; ok && until.After(now) {
			cooled = append(cooled, p)
		} else {
			cold = append(cold, p)
		}
	}
	ordered := append(cold, cooled...)
	if len(ordered) > r.maxAttempts {
		ordered = ordered[:r.maxAttempts]
	}
	return Plan{Profiles: ordered, MaxAttempts: r.maxAttempts}, nil
}

// GetSession returns the RPC session for (profile, sessionKey), creating the
// per-profile pool on first use. Session keys are namespaced per profile so
// provider state never leaks across profiles.
func (r *Router) GetSession(profileID, sessionKey string) (*rpc.Session, error) {
	r.mu.Lock()
	p, ok := r.profiles[profileID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("unknown profile %q", profileID)
	}
	if r.poolFactory == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("no session pool factory configured")
	}
	pool, ok := r.pools[profileID]
	if !ok {
		pool = r.poolFactory(p)
		r.pools[profileID] = pool
	}
	r.mu.Unlock()
	return pool.Get(profileID + "__" + sessionKey)
}

// StopAllSessions shuts down every pool. Called on worker shutdown.
func (r *Router) StopAllSessions() {
	r.mu.Lock()
	pools := make([]*rpc.SessionPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()
	for _, p := range pools {
		p.StopAll()
	}
}

// EvaluateFallback decides whether the next profile may be tried after a
// failed attempt. Any observable output or tool activity poisons the attempt
// because side effects may have happened.
func (r *Router) EvaluateFallback(profileID string, in FallbackInput) FallbackDecision {
	if in.AbortRequested {
		return FallbackDecision{Reason: "abort_requested"}
	}
	if in.AttemptHadToolActivity {
		return FallbackDecision{Reason: "tool_activity_detected"}
	}
	if in.AttemptHadOutput {
		return FallbackDecision{Reason: "partial_output_detected"}
	}
	if !isRetryable(in.ErrorMessage) {
		return FallbackDecision{Reason: "error_not_retryable"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileID]
	if !ok {
		return FallbackDecision{Reason: "error_not_retryable"}
	}
	cd := p.cooldown()
	r.cooldowns[profileID] = r.now().Add(cd)
	return FallbackDecision{
		Fallback: true,
		Reason:   fmt.Sprintf("retryable_error_profile_cooldown_%ds", int(cd.Seconds())),
	}
}

// MarkSuccess clears a profile's cooldown.
func (r *Router) MarkSuccess(profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cooldowns, profileID)
}

func isRetryable(message string) bool {
	lower := strings.ToLower(message)
	for _, sub := range retryableSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
