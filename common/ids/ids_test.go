// Copyright 2025 The obscura-core Authors
// This file is part of the obscura-core library.
//
// The obscura-core library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The obscura-core library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the obscura-core library. If not, see <http://www.gnu.org/licenses/>.

package ids

import (
	"strings"
	"testing"
)

func TestNewIsUniqueAndValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New(JobPrefix)
		if !strings.HasPrefix(id, "job_") {
			t.Fatalf("unexpected prefix: %s", id)
		}
		if !Valid(id, JobPrefix) {
			t.Fatalf("generated id fails validation: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestReceiptDeterminism(t *testing.T) {
	a := Receipt("job_x", 1)
	b := Receipt("job_x", 1)
	if a != b {
		t.Fatalf("same job/attempt produced different receipt ids: %s vs %s", a, b)
	}
	if Receipt("job_x", 2) == a {
		t.Fatal("different attempts must produce different receipt ids")
	}
	if Receipt("job_y", 1) == a {
		t.Fatal("different jobs must produce different receipt ids")
	}
	if !Valid(a, ReceiptPrefix) {
		t.Fatalf("receipt id fails validation: %s", a)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
		want   bool
	}{
		{New(MinerPrefix), MinerPrefix, true},
		{New(MinerPrefix), JobPrefix, false},
		{"mnr_", MinerPrefix, false},
		{"mnr_tooshort", MinerPrefix, false},
		{"mnr_" + strings.Repeat("A", 26), MinerPrefix, false}, // uppercase not in alphabet
		{"mnr_" + strings.Repeat("a", 27), MinerPrefix, false},
		{"", MinerPrefix, false},
	}
	for _, tt := range tests {
		if got := Valid(tt.id, tt.prefix); got != tt.want {
			t.Errorf("Valid(%q, %q) = %v, want %v", tt.id, tt.prefix, got, tt.want)
		}
	}
}
