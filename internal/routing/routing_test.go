package routing

import "testing"

func TestMatchWildcardSegment(t *testing.T) {
	if !Match("parsed.*.abuse-ch.feodo", "parsed.cnc.abuse-ch.feodo") {
		t.Fatal("expected single-segment wildcard to match")
	}
	if Match("parsed.*.abuse-ch.feodo", "parsed.cnc.other.feodo") {
		t.Fatal("expected literal segments after the wildcard to still match exactly")
	}
}

func TestMatchHashSuffix(t *testing.T) {
	if !Match("parsed.#", "parsed.cnc.abuse-ch.feodo") {
		t.Fatal("expected # to match any trailing segments")
	}
	if !Match("parsed.#", "parsed") {
		t.Fatal("expected # to match zero trailing segments")
	}
	if Match("parsed.#", "aggregated.cnc.abuse-ch.feodo") {
		t.Fatal("expected different leading state not to match")
	}
}

func TestMatchNoOverlap(t *testing.T) {
	if Match("compared.#", "filtered.bots.abuse-ch.feodo") {
		t.Fatal("unrelated state must not match")
	}
}

func TestTopologyValidateRejectsUnknownState(t *testing.T) {
	top := Topology{"aggregator": {"bogus"}}
	if err := top.Validate(); err == nil {
		t.Fatal("expected validation error for unknown state")
	}
}

func TestTopologyValidateRejectsEmpty(t *testing.T) {
	top := Topology{"aggregator": {}}
	if err := top.Validate(); err == nil {
		t.Fatal("expected validation error for empty state list")
	}
}

func TestDefaultTopologyValid(t *testing.T) {
	if err := DefaultTopology().Validate(); err != nil {
		t.Fatalf("default topology should validate: %v", err)
	}
}

func TestBindingsExpandsPerState(t *testing.T) {
	top := DefaultTopology()
	bindings := top.Bindings("filter")
	want := map[string]bool{"enriched.#": true, "compared.#": true}
	if len(bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(bindings))
	}
	for _, b := range bindings {
		if !want[b] {
			t.Fatalf("unexpected binding %q", b)
		}
	}
}
