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

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"orchd/pkg/control"
)

// loadState reads the state file. A missing or unparseable file yields the
// initial empty state so a crashed or first-run process always comes up.
func loadState(path string) (*state, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		// Corrupt state is not fatal; the previous document was written
		// atomically, so a parse failure means outside interference.
		// Start clean rather than refuse to boot.
		return newState(), nil
	}
	if st.Jobs == nil {
		st.Jobs = make(map[string]*control.Job)
	}
	if st.Events == nil {
		st.Events = make(map[string][]control.JobEvent)
	}
	if st.Queue == nil {
		st.Queue = []string{}
	}
	return &st, nil
}

// persistLocked writes the full state document to a temp file in the target
// directory and renames it into place. Callers hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}
