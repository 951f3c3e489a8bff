package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestPrefsRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	p, err := OpenPrefs(context.Background(), filepath.Join(tmp, "prefs.db"), newLogger())
	if err != nil {
		t.Fatalf("open prefs: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	identity, err := p.Identity(context.Background())
	if err != nil {
		t.Fatalf("read identity: %v", err)
	}
	if identity != "" {
		t.Fatalf("expected no identity initially, got %q", identity)
	}

	if err := p.SetIdentity(context.Background(), "alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	if err := p.SetGroupID(context.Background(), "G1"); err != nil {
		t.Fatalf("set group: %v", err)
	}

	identity, err = p.Identity(context.Background())
	if err != nil || identity != "alice" {
		t.Fatalf("expected alice, got %q err %v", identity, err)
	}
	group, err := p.GroupID(context.Background())
	if err != nil || group != "G1" {
		t.Fatalf("expected G1, got %q err %v", group, err)
	}

	// Re-commit overwrites in place.
	if err := p.SetIdentity(context.Background(), "alice2"); err != nil {
		t.Fatalf("overwrite identity: %v", err)
	}
	identity, _ = p.Identity(context.Background())
	if identity != "alice2" {
		t.Fatalf("expected alice2, got %q", identity)
	}
}

func TestPrefsPersistAcrossReopen(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "prefs.db")

	p, err := OpenPrefs(context.Background(), path, newLogger())
	if err != nil {
		t.Fatalf("open prefs: %v", err)
	}
	if err := p.SetIdentity(context.Background(), "alice"); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	_ = p.Close()

	reopened, err := OpenPrefs(context.Background(), path, newLogger())
	if err != nil {
		t.Fatalf("reopen prefs: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	identity, err := reopened.Identity(context.Background())
	if err != nil || identity != "alice" {
		t.Fatalf("expected persisted alice, got %q err %v", identity, err)
	}
}
