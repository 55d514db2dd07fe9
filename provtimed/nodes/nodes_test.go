// Copyright (c) 2025 The provtime developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package nodes

import "testing"

func TestRoster(t *testing.T) {
	n := Registered()
	if len(n) != Count() {
		t.Fatalf("roster length %v, count %v", len(n), Count())
	}
	if len(n) == 0 {
		t.Fatal("empty roster")
	}

	seen := make(map[string]bool)
	for _, node := range n {
		if node.ID == "" || node.Status == "" {
			t.Fatalf("incomplete node: %v", node)
		}
		if seen[node.ID] {
			t.Fatalf("duplicate node id: %v", node.ID)
		}
		seen[node.ID] = true
	}

	// Callers must not be able to mutate the roster.
	n[0].Status = "tampered"
	if Registered()[0].Status == "tampered" {
		t.Fatal("roster mutated through copy")
	}
}
