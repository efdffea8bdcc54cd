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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Defaults applied when the config file omits a field.
const (
	DefaultTickMs                 = 5000
	DefaultWebhookPayloadMaxChars = 8000
)

// Config is the on-disk proactive configuration document.
type Config struct {
	Enabled                bool            `json:"enabled"`
	TickMs                 int             `json:"tickMs"`
	HeartbeatRules         []HeartbeatRule `json:"heartbeatRules"`
	CronRules              []CronRule      `json:"cronRules"`
	Webhooks               []WebhookRule   `json:"webhooks"`
	WebhookPayloadMaxChars int             `json:"webhookPayloadMaxChars"`
}

// DefaultConfig is the configuration used when no file exists yet.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		TickMs:                 DefaultTickMs,
		HeartbeatRules:         []HeartbeatRule{},
		CronRules:              []CronRule{},
		Webhooks:               []WebhookRule{},
		WebhookPayloadMaxChars: DefaultWebhookPayloadMaxChars,
	}
}

// Validate checks every rule and enforces id uniqueness across all three
// rule namespaces.
func (c Config) Validate() error {
	if c.TickMs < 0 {
		return fmt.Errorf("tickMs: must not be negative")
	}
	if c.WebhookPayloadMaxChars < 0 {
		return fmt.Errorf("webhookPayloadMaxChars: must not be negative")
	}
	seen := make(map[string]string)
	claim := func(id, kind string) error {
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("rule id %q used by both %s and %s rules", id, prev, kind)
		}
		seen[id] = kind
		return nil
	}
	for _, r := range c.HeartbeatRules {
		if err := r.validate(); err != nil {
			return err
		}
		if err := claim(r.ID, KindHeartbeat); err != nil {
			return err
		}
	}
	for _, r := range c.CronRules {
		if err := r.validate(); err != nil {
			return err
		}
		if err := claim(r.ID, KindCron); err != nil {
			return err
		}
	}
	for _, r := range c.Webhooks {
		if err := r.validate(); err != nil {
			return err
		}
		if err := claim(r.ID, KindWebhook); err != nil {
			return err
		}
	}
	return nil
}

// canonical fills defaults and non-nil slices so the persisted document is
// stable.
func (c Config) canonical() Config {
	if c.TickMs == 0 {
		c.TickMs = DefaultTickMs
	}
	if c.WebhookPayloadMaxChars == 0 {
		c.WebhookPayloadMaxChars = DefaultWebhookPayloadMaxChars
	}
	if c.HeartbeatRules == nil {
		c.HeartbeatRules = []HeartbeatRule{}
	}
	if c.CronRules == nil {
		c.CronRules = []CronRule{}
	}
	if c.Webhooks == nil {
		c.Webhooks = []WebhookRule{}
	}
	return c
}

// LoadConfig reads the proactive config file. A missing file yields the
// default configuration; a malformed or invalid file is an error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read proactive config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse proactive config %s: %w", path, err)
	}
	cfg = cfg.canonical()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("proactive config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the config atomically via temp file + rename. Suitable
// as the runtime's persistence sink.
func SaveConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg.canonical(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proactive config: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config file into place: %w", err)
	}
	return nil
}
