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

package proactive

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orchd/internal/metrics"
	"orchd/internal/store"
	"orchd/pkg/control"
)

// Trigger outcomes reported to callers and metrics.
const (
	OutcomeEnqueued  = "enqueued"
	OutcomeDuplicate = "duplicate_active_job"
	OutcomeBackoff   = "backoff_blocked"
)

var (
	// ErrRuleNotFound indicates no rule matched the id.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrBadSecret indicates a webhook request with a missing or wrong secret.
	ErrBadSecret = errors.New("invalid webhook secret")
)

// Consecutive-failure backoff schedule, indexed by streak (capped).
var backoffDelays = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

// Prompts longer than the job limit are clipped here and suffixed so the
// total stays within bounds.
const promptClipAt = control.MaxPromptChars - len(truncationMarker)

const truncationMarker = "...[truncated]"

// JobStore is the slice of the job store the runtime needs.
type JobStore interface {
	CreateJob(req store.CreateJobRequest) (*control.Job, error)
	HasActiveJobByMetadata(key, value string) bool
	LatestTerminalJobByMetadata(key, value string) *control.Job
}

// TriggerResult is the outcome of one enqueue attempt.
type TriggerResult struct {
	Status string `json:"status"`
	JobID  string `json:"jobId,omitempty"`
}

type backoffState struct {
	lastTerminalID string
	streak         int
	blockedUntil   time.Time
}

// Runtime evaluates proactive rules and enqueues jobs. One instance per
// orchestrator process; all scheduling cursors live here, never on disk.
type Runtime struct {
	mu     sync.Mutex
	jobs   JobStore
	logger *slog.Logger
	now    func() time.Time
	cfg    Config
	sink   func(Config) error

	hbNext      map[string]time.Time
	cronNext    map[string]time.Time
	cronFired   map[string]string
	pendingWake map[string]bool
	backoff     map[string]*backoffState
}

// New builds a runtime over a validated config. sink persists the config
// after every successful rule mutation (and at-rule removal).
func New(jobs JobStore, cfg Config, sink func(Config) error, logger *slog.Logger) *Runtime {
	return &Runtime{
		jobs:        jobs,
		logger:      logger.With("component", "proactive"),
		now:         func() time.Time { return time.Now().UTC() },
		cfg:         cfg.canonical(),
		sink:        sink,
		hbNext:      make(map[string]time.Time),
		cronNext:    make(map[string]time.Time),
		cronFired:   make(map[string]string),
		pendingWake: make(map[string]bool),
		backoff:     make(map[string]*backoffState),
	}
}

// SetNow overrides the clock. Tests only.
func (r *Runtime) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// Run ticks the scheduler until the context ends.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	interval := time.Duration(r.cfg.TickMs) * time.Millisecond
	r.mu.Unlock()
	if interval <= 0 {
		interval = DefaultTickMs * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs one scheduler pass: heartbeats, main-session wake resume, then
// cron rules, in rule insertion order.
func (r *Runtime) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.Enabled {
		return
	}
	now := r.now()

	heartbeatFired := false
	for _, hb := range r.cfg.HeartbeatRules {
		due, seen := r.hbNext[hb.ID]
		if seen && now.Before(due) {
			continue
		}
		heartbeatFired = true
		// The cursor always advances, whatever the enqueue outcome.
		r.hbNext[hb.ID] = now.Add(time.Duration(hb.EverySeconds) * time.Second)
		res, err := r.attemptLocked(triggerSpec{
			kind:         KindHeartbeat,
			ruleID:       hb.ID,
			prompt:       hb.Prompt,
			delivery:     hb.Delivery,
			target:       hb.Target,
			sessionKey:   hb.Target.SessionKey,
			applyBackoff: true,
		}, now)
		if err != nil {
			r.logger.Error("heartbeat enqueue failed", "rule", hb.ID, "error", err)
			continue
		}
		r.logger.Debug("heartbeat evaluated", "rule", hb.ID, "status", res.Status)
	}

	if heartbeatFired {
		for _, cr := range r.cfg.CronRules {
			if !r.pendingWake[cr.ID] {
				continue
			}
			res, err := r.fireCronLocked(cr, now, false)
			if err != nil {
				r.logger.Error("wake-resume enqueue failed", "rule", cr.ID, "error", err)
				continue
			}
			if res.Status == OutcomeEnqueued || res.Status == OutcomeDuplicate {
				delete(r.pendingWake, cr.ID)
			}
		}
	}

	for _, cr := range r.cfg.CronRules {
		due := false
		switch {
		case cr.EverySeconds > 0:
			next, seen := r.cronNext[cr.ID]
			if !seen || !now.Before(next) {
				due = true
				r.cronNext[cr.ID] = now.Add(time.Duration(cr.EverySeconds) * time.Second)
			}
		case cr.At != "":
			at, err := time.Parse(time.RFC3339, cr.At)
			if err == nil && !now.Before(at) {
				due = true
			}
		default:
			sched, err := parseCronExpr(cr.Expr)
			if err != nil {
				continue
			}
			key := minuteKey(now)
			if cronMatchesMinute(sched, now, cr.location()) && r.cronFired[cr.ID] != key {
				r.cronFired[cr.ID] = key
				due = true
			}
		}
		if !due {
			continue
		}
		if cr.wakeMode() == WakeModeNextHeartbeat {
			r.pendingWake[cr.ID] = true
			continue
		}
		res, err := r.fireCronLocked(cr, now, false)
		if err != nil {
			r.logger.Error("cron enqueue failed", "rule", cr.ID, "error", err)
			continue
		}
		r.logger.Debug("cron evaluated", "rule", cr.ID, "status", res.Status)
	}
}

// fireCronLocked resolves session targeting, attempts the enqueue, and
// removes one-shot at-rules once they actually enqueue. Manual fires skip
// the failure backoff, matching manual heartbeat fires.
func (r *Runtime) fireCronLocked(cr CronRule, now time.Time, manual bool) (TriggerResult, error) {
	sessionKey := cr.Target.SessionKey
	if cr.sessionTarget() == SessionTargetIsolated {
		sessionKey = "cron:" + cr.ID
	}
	res, err := r.attemptLocked(triggerSpec{
		kind:         KindCron,
		ruleID:       cr.ID,
		prompt:       cr.Prompt,
		delivery:     cr.Delivery,
		target:       cr.Target,
		sessionKey:   sessionKey,
		manual:       manual,
		applyBackoff: !manual,
	}, now)
	if err != nil {
		return res, err
	}
	if res.Status == OutcomeEnqueued && cr.At != "" {
		r.removeCronLocked(cr.ID)
		if err := r.persistLocked(); err != nil {
			r.logger.Error("persist after one-shot removal failed", "rule", cr.ID, "error", err)
		}
	}
	return res, nil
}

type triggerSpec struct {
	kind         string
	ruleID       string
	prompt       string
	delivery     DeliverySpec
	target       Target
	sessionKey   string
	manual       bool
	applyBackoff bool
}

// attemptLocked is the single enqueue path all triggers funnel through:
// dedupe, backoff, prompt clipping, metadata stamping, job creation.
func (r *Runtime) attemptLocked(spec triggerSpec, now time.Time) (TriggerResult, error) {
	key := TriggerKey(spec.kind, spec.ruleID)

	if r.jobs.HasActiveJobByMetadata(control.MetaTriggerKey, key) {
		metrics.ObserveProactiveTrigger(spec.kind, OutcomeDuplicate)
		return TriggerResult{Status: OutcomeDuplicate}, nil
	}
	if spec.applyBackoff && r.backoffBlockedLocked(key, now) {
		metrics.ObserveProactiveTrigger(spec.kind, OutcomeBackoff)
		return TriggerResult{Status: OutcomeBackoff}, nil
	}

	prompt, clipped := clipPrompt(spec.prompt)
	md := make(map[string]string, len(spec.target.Metadata)+8)
	for k, v := range spec.target.Metadata {
		md[k] = v
	}
	md[control.MetaTriggerKind] = spec.kind
	md[control.MetaTriggerID] = spec.ruleID
	md[control.MetaTriggerKey] = key
	md[control.MetaTriggeredAt] = now.Format(time.RFC3339)
	md[control.MetaPromptTruncated] = fmt.Sprintf("%t", clipped)
	md[control.MetaDeliveryMode] = spec.delivery.mode()
	if spec.delivery.mode() == DeliveryWebhook {
		md[control.MetaDeliveryWebhookURL] = spec.delivery.WebhookURL
	}
	if spec.manual {
		md[control.MetaManualTrigger] = "true"
	}

	kind := spec.target.Kind
	if kind == "" {
		kind = control.JobKindTask
	}
	requester := spec.target.RequesterID
	if requester == "" {
		requester = "proactive"
	}
	job, err := r.jobs.CreateJob(store.CreateJobRequest{
		Kind:             kind,
		Prompt:           prompt,
		Channel:          spec.target.Channel,
		ChatID:           spec.target.ChatID,
		ThreadID:         spec.target.ThreadID,
		RequesterID:      requester,
		SessionKey:       spec.sessionKey,
		RequiresApproval: spec.target.RequiresApproval,
		Metadata:         md,
	})
	if err != nil {
		return TriggerResult{}, fmt.Errorf("enqueue %s: %w", key, err)
	}
	metrics.ObserveProactiveTrigger(spec.kind, OutcomeEnqueued)
	return TriggerResult{Status: OutcomeEnqueued, JobID: job.ID}, nil
}

// backoffBlockedLocked advances the failure streak off the latest terminal
// job for the trigger and reports whether the block window is still open.
// Any non-failed terminal resets the streak.
func (r *Runtime) backoffBlockedLocked(key string, now time.Time) bool {
	latest := r.jobs.LatestTerminalJobByMetadata(control.MetaTriggerKey, key)
	if latest == nil || latest.Status != control.JobStatusFailed {
		delete(r.backoff, key)
		return false
	}
	st := r.backoff[key]
	if st == nil {
		st = &backoffState{}
		r.backoff[key] = st
	}
	if st.lastTerminalID != latest.ID {
		st.lastTerminalID = latest.ID
		if st.streak < len(backoffDelays) {
			st.streak++
		}
		st.blockedUntil = latest.UpdatedAt.Add(backoffDelays[st.streak-1])
	}
	return now.Before(st.blockedUntil)
}

func clipPrompt(p string) (string, bool) {
	if len(p) <= control.MaxPromptChars {
		return p, false
	}
	return control.Truncate(p, promptClipAt) + truncationMarker, true
}

// HandleWebhook authenticates and enqueues for a webhook rule. The payload,
// when included, is appended to the prompt as pretty-printed JSON capped at
// the configured limit.
func (r *Runtime) HandleWebhook(id, secret string, payload []byte) (TriggerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rule *WebhookRule
	for i := range r.cfg.Webhooks {
		if r.cfg.Webhooks[i].ID == id {
			rule = &r.cfg.Webhooks[i]
			break
		}
	}
	if rule == nil {
		return TriggerResult{}, ErrRuleNotFound
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(rule.Secret)) != 1 {
		return TriggerResult{}, ErrBadSecret
	}

	prompt := rule.Prompt
	if rule.IncludePayloadInPrompt && len(payload) > 0 {
		prompt = prompt + "\n\n" + renderPayload(payload, r.cfg.WebhookPayloadMaxChars)
	}
	return r.attemptLocked(triggerSpec{
		kind:       KindWebhook,
		ruleID:     rule.ID,
		prompt:     prompt,
		delivery:   rule.Delivery,
		target:     rule.Target,
		sessionKey: rule.Target.SessionKey,
	}, r.now())
}

// renderPayload pretty-prints JSON payloads, falling back to the raw body,
// and clips to max chars with a truncation marker.
func renderPayload(payload []byte, max int) string {
	text := string(payload)
	var parsed any
	if err := json.Unmarshal(payload, &parsed); err == nil {
		if pretty, err := json.MarshalIndent(parsed, "", "  "); err == nil {
			text = string(pretty)
		}
	}
	if max > 0 && len(text) > max {
		text = control.Truncate(text, max) + "\n" + truncationMarker
	}
	return text
}

// TriggerHeartbeatNow fires a heartbeat rule outside its schedule. Dedupe
// still applies; backoff does not.
func (r *Runtime) TriggerHeartbeatNow(id string) (TriggerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, hb := range r.cfg.HeartbeatRules {
		if hb.ID != id {
			continue
		}
		return r.attemptLocked(triggerSpec{
			kind:       KindHeartbeat,
			ruleID:     hb.ID,
			prompt:     hb.Prompt,
			delivery:   hb.Delivery,
			target:     hb.Target,
			sessionKey: hb.Target.SessionKey,
			manual:     true,
		}, r.now())
	}
	return TriggerResult{}, ErrRuleNotFound
}

// TriggerCronNow fires a cron rule immediately, ignoring its schedule, wake
// mode, and backoff but keeping session resolution and dedupe.
func (r *Runtime) TriggerCronNow(id string) (TriggerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cr := range r.cfg.CronRules {
		if cr.ID != id {
			continue
		}
		return r.fireCronLocked(cr, r.now(), true)
	}
	return TriggerResult{}, ErrRuleNotFound
}

// UpsertHeartbeatRule validates and adds or replaces a heartbeat rule,
// persisting the config on success.
func (r *Runtime) UpsertHeartbeatRule(rule HeartbeatRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cfg
	next.HeartbeatRules = replaceOrAppend(r.cfg.HeartbeatRules, rule, func(x HeartbeatRule) string { return x.ID })
	if err := r.applyLocked(next); err != nil {
		return err
	}
	delete(r.hbNext, rule.ID)
	return nil
}

// DeleteHeartbeatRule removes a heartbeat rule and persists the config.
func (r *Runtime) DeleteHeartbeatRule(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rules, removed := removeByID(r.cfg.HeartbeatRules, id, func(x HeartbeatRule) string { return x.ID })
	if !removed {
		return ErrRuleNotFound
	}
	next := r.cfg
	next.HeartbeatRules = rules
	if err := r.applyLocked(next); err != nil {
		return err
	}
	delete(r.hbNext, id)
	delete(r.backoff, TriggerKey(KindHeartbeat, id))
	return nil
}

// UpsertCronRule validates and adds or replaces a cron rule, persisting the
// config on success.
func (r *Runtime) UpsertCronRule(rule CronRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cfg
	next.CronRules = replaceOrAppend(r.cfg.CronRules, rule, func(x CronRule) string { return x.ID })
	if err := r.applyLocked(next); err != nil {
		return err
	}
	delete(r.cronNext, rule.ID)
	delete(r.cronFired, rule.ID)
	delete(r.pendingWake, rule.ID)
	return nil
}

// DeleteCronRule removes a cron rule and persists the config.
func (r *Runtime) DeleteCronRule(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rules, removed := removeByID(r.cfg.CronRules, id, func(x CronRule) string { return x.ID })
	if !removed {
		return ErrRuleNotFound
	}
	next := r.cfg
	next.CronRules = rules
	if err := r.applyLocked(next); err != nil {
		return err
	}
	r.removeCronCursorsLocked(id)
	return nil
}

// UpsertWebhookRule validates and adds or replaces a webhook rule,
// persisting the config on success.
func (r *Runtime) UpsertWebhookRule(rule WebhookRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.cfg
	next.Webhooks = replaceOrAppend(r.cfg.Webhooks, rule, func(x WebhookRule) string { return x.ID })
	return r.applyLocked(next)
}

// DeleteWebhookRule removes a webhook rule and persists the config.
func (r *Runtime) DeleteWebhookRule(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rules, removed := removeByID(r.cfg.Webhooks, id, func(x WebhookRule) string { return x.ID })
	if !removed {
		return ErrRuleNotFound
	}
	next := r.cfg
	next.Webhooks = rules
	return r.applyLocked(next)
}

// applyLocked validates a candidate config, persists it through the sink,
// and only then swaps it in. A failing sink leaves the old config active.
func (r *Runtime) applyLocked(next Config) error {
	next = next.canonical()
	if err := next.Validate(); err != nil {
		return err
	}
	if r.sink != nil {
		if err := r.sink(next); err != nil {
			return fmt.Errorf("persist proactive config: %w", err)
		}
	}
	r.cfg = next
	return nil
}

func (r *Runtime) persistLocked() error {
	if r.sink == nil {
		return nil
	}
	return r.sink(r.cfg)
}

func (r *Runtime) removeCronLocked(id string) {
	rules, _ := removeByID(r.cfg.CronRules, id, func(x CronRule) string { return x.ID })
	r.cfg.CronRules = rules
	r.removeCronCursorsLocked(id)
}

func (r *Runtime) removeCronCursorsLocked(id string) {
	delete(r.cronNext, id)
	delete(r.cronFired, id)
	delete(r.pendingWake, id)
	delete(r.backoff, TriggerKey(KindCron, id))
}

func replaceOrAppend[T any](rules []T, rule T, id func(T) string) []T {
	out := make([]T, len(rules))
	copy(out, rules)
	for i := range out {
		if id(out[i]) == id(rule) {
			out[i] = rule
			return out
		}
	}
	return append(out, rule)
}

func removeByID[T any](rules []T, target string, id func(T) string) ([]T, bool) {
	out := make([]T, 0, len(rules))
	removed := false
	for _, r := range rules {
		if id(r) == target {
			removed = true
			continue
		}
		out = append(out, r)
	}
	return out, removed
}

// ConfigSnapshot returns a copy of the active config.
func (r *Runtime) ConfigSnapshot() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.cfg
	cfg.HeartbeatRules = append([]HeartbeatRule(nil), r.cfg.HeartbeatRules...)
	cfg.CronRules = append([]CronRule(nil), r.cfg.CronRules...)
	cfg.Webhooks = append([]WebhookRule(nil), r.cfg.Webhooks...)
	return cfg
}

// HeartbeatState is one heartbeat rule plus its scheduling cursor.
type HeartbeatState struct {
	Rule      HeartbeatRule `json:"rule"`
	NextDueAt *time.Time    `json:"nextDueAt,omitempty"`
}

// CronState is one cron rule plus its cursors.
type CronState struct {
	Rule            CronRule   `json:"rule"`
	PendingWake     bool       `json:"pendingWake"`
	LastFiredMinute string     `json:"lastFiredMinute,omitempty"`
	NextDueAt       *time.Time `json:"nextDueAt,omitempty"`
}

// WebhookState identifies a webhook rule without exposing its secret.
type WebhookState struct {
	ID                     string `json:"id"`
	IncludePayloadInPrompt bool   `json:"includePayloadInPrompt"`
}

// BackoffSnapshot is the current failure streak for one trigger.
type BackoffSnapshot struct {
	TriggerKey   string    `json:"triggerKey"`
	Streak       int       `json:"streak"`
	BlockedUntil time.Time `json:"blockedUntil"`
}

// State is the live scheduler view served by the control API.
type State struct {
	Enabled    bool              `json:"enabled"`
	TickMs     int               `json:"tickMs"`
	Heartbeats []HeartbeatState  `json:"heartbeats"`
	Crons      []CronState       `json:"crons"`
	Webhooks   []WebhookState    `json:"webhooks"`
	Backoff    []BackoffSnapshot `json:"backoff,omitempty"`
}

// StateSnapshot returns the scheduler's live state.
func (r *Runtime) StateSnapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := State{
		Enabled:    r.cfg.Enabled,
		TickMs:     r.cfg.TickMs,
		Heartbeats: make([]HeartbeatState, 0, len(r.cfg.HeartbeatRules)),
		Crons:      make([]CronState, 0, len(r.cfg.CronRules)),
		Webhooks:   make([]WebhookState, 0, len(r.cfg.Webhooks)),
	}
	for _, hb := range r.cfg.HeartbeatRules {
		hs := HeartbeatState{Rule: hb}
		if due, ok := r.hbNext[hb.ID]; ok {
			d := due
			hs.NextDueAt = &d
		}
		st.Heartbeats = append(st.Heartbeats, hs)
	}
	for _, cr := range r.cfg.CronRules {
		cs := CronState{
			Rule:            cr,
			PendingWake:     r.pendingWake[cr.ID],
			LastFiredMinute: r.cronFired[cr.ID],
		}
		if due, ok := r.cronNext[cr.ID]; ok {
			d := due
			cs.NextDueAt = &d
		}
		st.Crons = append(st.Crons, cs)
	}
	for _, wh := range r.cfg.Webhooks {
		st.Webhooks = append(st.Webhooks, WebhookState{ID: wh.ID, IncludePayloadInPrompt: wh.IncludePayloadInPrompt})
	}
	for key, b := range r.backoff {
		st.Backoff = append(st.Backoff, BackoffSnapshot{TriggerKey: key, Streak: b.streak, BlockedUntil: b.blockedUntil})
	}
	return st
}
