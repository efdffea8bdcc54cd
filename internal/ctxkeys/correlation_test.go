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

package ctxkeys

import (
	"context"
	"testing"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc-123")
	if got := GetCorrelationID(ctx); got != "abc-123" {
		t.Fatalf("GetCorrelationID() = %q", got)
	}
}

func TestGetCorrelationIDAbsent(t *testing.T) {
	if got := GetCorrelationID(context.Background()); got != "" {
		t.Fatalf("GetCorrelationID() = %q, want empty", got)
	}
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())
	if id == "" {
		t.Fatal("no id generated")
	}
	if got := GetCorrelationID(ctx); got != id {
		t.Fatalf("context id = %q, want %q", got, id)
	}
	ctx2, id2 := EnsureCorrelationID(ctx)
	if id2 != id {
		t.Fatalf("EnsureCorrelationID regenerated: %q vs %q", id2, id)
	}
	if got := GetCorrelationID(ctx2); got != id {
		t.Fatalf("context id after ensure = %q", got)
	}
}
