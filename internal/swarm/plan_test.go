package swarm

import (
	"errors"
	"testing"
)

func TestCompileFlow_Linear(t *testing.T) {
	plan, err := CompileFlow("a -> b -> c", agents("a", "b", "c"))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(plan.Tiers))
	}
	for i, want := range []string{"a", "b", "c"} {
		if len(plan.Tiers[i].Agents) != 1 || plan.Tiers[i].Agents[0] != want {
			t.Fatalf("expected %s alone in tier %d, got %v", want, i, plan.Tiers[i].Agents)
		}
	}
}

func TestCompileFlow_ParallelGroup(t *testing.T) {
	plan, err := CompileFlow("a -> b, c -> d", agents("a", "b", "c", "d"))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(plan.Tiers))
	}
	mid := plan.Tiers[1].Agents
	if len(mid) != 2 || mid[0] != "b" || mid[1] != "c" {
		t.Fatalf("expected [b c] in tier 1, got %v", mid)
	}
}

func TestCompileFlow_LeadingGroup(t *testing.T) {
	plan, err := CompileFlow("x, y -> z", agents("x", "y", "z"))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 2 || len(plan.Tiers[0].Agents) != 2 {
		t.Fatalf("unexpected plan %+v", plan.Tiers)
	}
}

func TestCompileFlow_SubsetOfAgents(t *testing.T) {
	plan, err := CompileFlow("b", agents("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 1 || plan.Tiers[0].Agents[0] != "b" {
		t.Fatalf("expected only b, got %+v", plan.Tiers)
	}
}

func TestCompileFlow_Cycle(t *testing.T) {
	for _, flow := range []string{"a -> b -> a", "a -> a", "a -> b, c -> b"} {
		_, err := CompileFlow(flow, agents("a", "b", "c"))
		if !errors.Is(err, ErrFlowCycle) {
			t.Errorf("flow %q: expected cycle error, got %v", flow, err)
		}
	}
}

func TestCompileFlow_Errors(t *testing.T) {
	tests := []string{
		"",
		"a -> unknown",
		"a ->",
		"a, a -> b",
	}
	for _, flow := range tests {
		if _, err := CompileFlow(flow, agents("a", "b")); err == nil {
			t.Errorf("flow %q: expected error", flow)
		}
	}
}
