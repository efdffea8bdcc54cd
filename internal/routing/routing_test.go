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

package routing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"orchd/pkg/control"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r, err := newRouter(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("newRouter() error = %v", err)
	}
	return r
}

func threeProfileConfig() Config {
	return Config{
		Profiles: []Profile{
			{ID: "primary", Provider: "anthropic", Model: "large"},
			{ID: "secondary", Provider: "openai", Model: "medium", CooldownSeconds: 60},
			{ID: "cheap", Provider: "local", Model: "small"},
		},
		Routes: map[string][]string{
			"default": {"primary", "secondary"},
			"run":     {"primary", "secondary", "cheap"},
		},
	}
}

func taskJob(md map[string]string) *control.Job {
	return &control.Job{ID: "j1", Kind: control.JobKindTask, Metadata: md}
}

func TestLoadMissingFileYieldsLegacyChain(t *testing.T) {
	r, err := Load("", LegacyDefaults{Provider: "anthropic", Model: "large"}, nil, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	plan, err := r.BuildPlan(taskJob(nil))
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	if len(plan.Profiles) != 1 || plan.Profiles[0].ID != "default" {
		t.Errorf("plan = %+v, want single legacy profile", plan.Profiles)
	}
	if plan.Profiles[0].Provider != "anthropic" || plan.Profiles[0].Model != "large" {
		t.Errorf("legacy profile = %+v", plan.Profiles[0])
	}
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, cfg Config) string {
		t.Helper()
		data, err := json.Marshal(cfg)
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "empty id",
			cfg:  Config{Profiles: []Profile{{ID: " "}}},
			want: "id must not be empty",
		},
		{
			name: "duplicate id",
			cfg:  Config{Profiles: []Profile{{ID: "a"}, {ID: "a"}}},
			want: "duplicate profile id",
		},
		{
			name: "unknown route profile",
			cfg: Config{
				Profiles: []Profile{{ID: "a"}},
				Routes:   map[string][]string{"task": {"ghost"}},
			},
			want: "unknown profile",
		},
		{
			name: "missing host env",
			cfg: Config{
				Profiles: []Profile{{ID: "a", EnvFrom: map[string]string{"API_KEY": "ORCHD_TEST_SURELY_UNSET_VAR"}}},
			},
			want: "missing host env vars",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := write(tt.name+".json", tt.cfg)
			_, err := Load(path, LegacyDefaults{}, nil, testLogger())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestBuildPlanRoutesAndDedupe(t *testing.T) {
	cfg := threeProfileConfig()
	cfg.Routes["task"] = []string{"primary", "primary", "secondary"}
	r := mustRouter(t, cfg)

	plan, err := r.BuildPlan(taskJob(nil))
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	ids := planIDs(plan)
	if strings.Join(ids, ",") != "primary,secondary" {
		t.Errorf("task plan = %v", ids)
	}

	runPlan, err := r.BuildPlan(&control.Job{Kind: control.JobKindRun})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(planIDs(runPlan), ",") != "primary,secondary,cheap" {
		t.Errorf("run plan = %v", planIDs(runPlan))
	}
}

func TestBuildPlanRequestedProfile(t *testing.T) {
	r := mustRouter(t, threeProfileConfig())

	plan, err := r.BuildPlan(taskJob(map[string]string{control.MetaModelProfile: "cheap"}))
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	ids := planIDs(plan)
	if ids[0] != "cheap" {
		t.Errorf("requested profile not first: %v", ids)
	}

	_, err = r.BuildPlan(taskJob(map[string]string{control.MetaModelProfile: "ghost"}))
	if !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("unknown profile error = %v, want ErrProfileNotFound", err)
	}
}

func TestBuildPlanCooldownPartition(t *testing.T) {
	r := mustRouter(t, threeProfileConfig())
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	r.SetNow(func() time.Time { return base })

	// Put primary on cooldown via a retryable failure.
	dec := r.EvaluateFallback("primary", FallbackInput{ErrorMessage: "429 rate limit"})
	if !dec.Fallback {
		t.Fatalf("decision = %+v, want fallback", dec)
	}

	plan, err := r.BuildPlan(taskJob(nil))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(planIDs(plan), ",") != "secondary,primary" {
		t.Errorf("cooldown plan = %v, want cooled primary last", planIDs(plan))
	}

	// All profiles cooled: route order is kept unchanged.
	if dec := r.EvaluateFallback("secondary", FallbackInput{ErrorMessage: "timeout"}); !dec.Fallback {
		t.Fatalf("secondary decision = %+v", dec)
	}
	plan, err = r.BuildPlan(taskJob(nil))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(planIDs(plan), ",") != "primary,secondary" {
		t.Errorf("all-cooled plan = %v, want route order", planIDs(plan))
	}

	// Cooldown expiry and MarkSuccess both clear the penalty.
	r.SetNow(func() time.Time { return base.Add(time.Hour) })
	plan, _ = r.BuildPlan(taskJob(nil))
	if strings.Join(planIDs(plan), ",") != "primary,secondary" {
		t.Errorf("post-expiry plan = %v", planIDs(plan))
	}
	r.SetNow(func() time.Time { return base })
	r.MarkSuccess("primary")
	plan, _ = r.BuildPlan(taskJob(nil))
	if planIDs(plan)[0] != "primary" {
		t.Errorf("plan after MarkSuccess = %v", planIDs(plan))
	}
}

func TestMaxAttemptsCap(t *testing.T) {
	cfg := Config{MaxAttemptsPerJob: 50}
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		cfg.Profiles = append(cfg.Profiles, Profile{ID: id})
		cfg.Routes = map[string][]string{}
	}
	var chain []string
	for _, p := range cfg.Profiles {
		chain = append(chain, p.ID)
	}
	cfg.Routes["default"] = chain
	r := mustRouter(t, cfg)

	plan, err := r.BuildPlan(taskJob(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Profiles) != MaxAttemptsCap {
		t.Errorf("plan length = %d, want cap %d", len(plan.Profiles), MaxAttemptsCap)
	}
	if plan.MaxAttempts != MaxAttemptsCap {
		t.Errorf("maxAttempts = %d, want %d", plan.MaxAttempts, MaxAttemptsCap)
	}
}

func TestEvaluateFallbackGuards(t *testing.T) {
	tests := []struct {
		name       string
		in         FallbackInput
		wantFall   bool
		wantReason string
	}{
		{
			name:       "abort requested",
			in:         FallbackInput{AbortRequested: true, ErrorMessage: "rate limit"},
			wantReason: "abort_requested",
		},
		{
			name:       "tool activity poisons",
			in:         FallbackInput{AttemptHadToolActivity: true, ErrorMessage: "rate limit"},
			wantReason: "tool_activity_detected",
		},
		{
			name:       "partial output poisons",
			in:         FallbackInput{AttemptHadOutput: true, ErrorMessage: "rate limit"},
			wantReason: "partial_output_detected",
		},
		{
			name:       "unretryable error",
			in:         FallbackInput{ErrorMessage: "syntax error in prompt"},
			wantReason: "error_not_retryable",
		},
		{
			name:       "retryable clean failure",
			in:         FallbackInput{ErrorMessage: "upstream 503 from provider"},
			wantFall:   true,
			wantReason: "retryable_error_profile_cooldown_60s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustRouter(t, threeProfileConfig())
			dec := r.EvaluateFallback("secondary", tt.in)
			if dec.Fallback != tt.wantFall {
				t.Errorf("fallback = %v, want %v", dec.Fallback, tt.wantFall)
			}
			if dec.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", dec.Reason, tt.wantReason)
			}
		})
	}
}

func TestRetryableSubstrings(t *testing.T) {
	retryable := []string{
		"Rate Limit exceeded",
		"request timed out",
		"ECONNRESET while reading",
		"HTTP 429 too many requests",
		"invalid api key",
		"no such model available",
	}
	for _, msg := range retryable {
		if !isRetryable(msg) {
			t.Errorf("isRetryable(%q) = false, want true", msg)
		}
	}
	if isRetryable("panic: index out of range") {
		t.Error("non-matching message classified retryable")
	}
}

func planIDs(p Plan) []string {
	ids := make([]string, 0, len(p.Profiles))
	for _, prof := range p.Profiles {
		ids = append(ids, prof.ID)
	}
	return ids
}
