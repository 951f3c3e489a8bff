package palette

import "testing"

func TestColorsStablePerIdentity(t *testing.T) {
	a := NewAssigner()
	first := a.ColorFor("alice")
	second := a.ColorFor("alice")
	if first != second {
		t.Fatalf("expected stable color, got %q then %q", first, second)
	}
}

func TestColorsUniqueUntilExhausted(t *testing.T) {
	a := NewAssigner()
	seen := make(map[string]bool)
	for _, id := range []string{"alice", "bob", "carol"} {
		color := a.ColorFor(id)
		if seen[color] {
			t.Fatalf("color %q assigned twice before palette exhaustion", color)
		}
		seen[color] = true
	}
	// Fourth identity falls back to the first palette color.
	if got := a.ColorFor("dave"); got != DefaultColors[0] {
		t.Fatalf("expected fallback to %q, got %q", DefaultColors[0], got)
	}
	// Existing assignments are untouched by the fallback.
	if got := a.ColorFor("alice"); got != DefaultColors[0] {
		t.Fatalf("expected alice to keep %q, got %q", DefaultColors[0], got)
	}
}

func TestReservedIdentityOverride(t *testing.T) {
	a := NewAssigner()
	// Exhaust the palette first; the override must not care.
	for _, id := range []string{"a", "b", "c", "d"} {
		a.ColorFor(id)
	}
	if got := a.ColorFor(ReservedIdentity); got != ReservedColor {
		t.Fatalf("expected reserved color %q, got %q", ReservedColor, got)
	}
	if got := a.ColorFor(ReservedIdentity); got != ReservedColor {
		t.Fatalf("reserved color must be unconditional, got %q", got)
	}
}
