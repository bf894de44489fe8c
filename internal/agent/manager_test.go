package agent

import "testing"

func TestGenerateIDUniqueness(t *testing.T) {
	m := NewManager()
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := m.GenerateID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
		m.Add(&Agent{ID: id, State: Running})
	}
}

func TestGenerateIDFormat(t *testing.T) {
	m := NewManager()
	id := m.GenerateID()
	if id == "" {
		t.Fatal("empty id")
	}
	hasDash := false
	for _, c := range id {
		if c == '-' {
			hasDash = true
		}
		if c >= 'A' && c <= 'Z' {
			t.Fatalf("id %q should be lowercase", id)
		}
	}
	if !hasDash {
		t.Fatalf("id %q should contain a dash", id)
	}
}

func TestGenerateIDCollisionFallsBackToCounter(t *testing.T) {
	// With only ~7500 adjective-noun combinations, 500 draws reliably
	// exercises the counter fallback path (birthday paradox) alongside
	// the plain uniqueness test above; this test pins that the counter
	// suffix itself is well-formed whenever it is used.
	m := NewManager()
	for i := 0; i < 500; i++ {
		id := m.GenerateID()
		m.Add(&Agent{ID: id, State: Running})
	}
	sawSuffix := false
	for id := range m.agents {
		for i := len(id) - 1; i >= 0; i-- {
			if id[i] == '-' {
				suffix := id[i+1:]
				if suffix != "" && suffix[0] >= '0' && suffix[0] <= '9' {
					sawSuffix = true
				}
				break
			}
		}
	}
	if !sawSuffix {
		t.Skip("no collision occurred in this run; counter fallback not exercised")
	}
}

func TestNameAvailableForExitedAgent(t *testing.T) {
	m := NewManager()
	m.Add(&Agent{ID: "x", State: Exited})
	if !m.NameAvailable("x") {
		t.Fatal("expected exited agent's name to be available for reuse")
	}
	m.Add(&Agent{ID: "y", State: Running})
	if m.NameAvailable("y") {
		t.Fatal("expected running agent's name to be unavailable")
	}
}

func TestHasLabels(t *testing.T) {
	a := &Agent{Labels: []string{"x", "y"}}
	if !a.HasLabels(nil) {
		t.Fatal("empty want should always match")
	}
	if !a.HasLabels([]string{"x"}) {
		t.Fatal("subset should match")
	}
	if a.HasLabels([]string{"x", "z"}) {
		t.Fatal("missing label should not match")
	}
}
