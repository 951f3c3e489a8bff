package identity

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type commitRecorder struct {
	mu      sync.Mutex
	commits []string
}

func (r *commitRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, name)
}

func (r *commitRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commits...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSuggestionAutoCommitsAfterGraceWindow(t *testing.T) {
	rec := &commitRecorder{}
	n := NewNegotiator(20*time.Millisecond, rec.record, newLogger())
	defer n.Close()

	n.Suggest("guest-1")
	if got := n.State(); got != PendingConfirmation {
		t.Fatalf("expected pending state, got %v", got)
	}

	waitFor(t, func() bool { return n.State() == Confirmed })
	if got := n.Identity(); got != "guest-1" {
		t.Fatalf("expected auto-committed identity guest-1, got %q", got)
	}
	if commits := rec.list(); len(commits) != 1 || commits[0] != "guest-1" {
		t.Fatalf("expected exactly one commit of guest-1, got %v", commits)
	}
}

func TestManualCommitCancelsPendingTimer(t *testing.T) {
	rec := &commitRecorder{}
	n := NewNegotiator(30*time.Millisecond, rec.record, newLogger())
	defer n.Close()

	n.Suggest("guest-1")
	n.Commit("alice")

	if got := n.Identity(); got != "alice" {
		t.Fatalf("expected manual commit to win immediately, got %q", got)
	}

	// Let the old grace window elapse; the suggestion must not commit.
	time.Sleep(60 * time.Millisecond)
	if commits := rec.list(); len(commits) != 1 || commits[0] != "alice" {
		t.Fatalf("expected only the manual commit, got %v", commits)
	}
}

func TestNewSuggestionReplacesPendingTimer(t *testing.T) {
	rec := &commitRecorder{}
	n := NewNegotiator(25*time.Millisecond, rec.record, newLogger())
	defer n.Close()

	n.Suggest("guest-1")
	n.Suggest("guest-2")

	waitFor(t, func() bool { return n.State() == Confirmed })
	time.Sleep(40 * time.Millisecond)

	if commits := rec.list(); len(commits) != 1 || commits[0] != "guest-2" {
		t.Fatalf("expected the replacing suggestion to commit once, got %v", commits)
	}
}

func TestStaleGraceTimerDoesNotCommitReplacement(t *testing.T) {
	rec := &commitRecorder{}
	n := NewNegotiator(time.Hour, rec.record, newLogger())
	defer n.Close()

	n.Suggest("guest-1")
	n.mu.Lock()
	stale := n.gen
	n.mu.Unlock()

	n.Suggest("guest-2")

	// The first suggestion's timer fires after the second arm already
	// replaced it. It must not commit guest-2 before guest-2's own
	// grace window has elapsed.
	n.autoCommit(stale)

	if got := n.State(); got != PendingConfirmation {
		t.Fatalf("expected replacement still pending, got %v", got)
	}
	if commits := rec.list(); len(commits) != 0 {
		t.Fatalf("stale timer must not commit, got %v", commits)
	}

	n.autoCommit(stale + 1)
	if got := n.Identity(); got != "guest-2" {
		t.Fatalf("expected the live generation to commit guest-2, got %q", got)
	}
}

func TestLaterSuggestionReentersPending(t *testing.T) {
	rec := &commitRecorder{}
	n := NewNegotiator(15*time.Millisecond, rec.record, newLogger())
	defer n.Close()

	n.Commit("alice")
	if got := n.State(); got != Confirmed {
		t.Fatalf("expected confirmed, got %v", got)
	}

	n.Suggest("guest-9")
	if got := n.State(); got != PendingConfirmation {
		t.Fatalf("fresh suggestion must re-enter pending, got %v", got)
	}
	waitFor(t, func() bool { return n.Identity() == "guest-9" })
}

func TestBootstrapFromPersistedIdentity(t *testing.T) {
	rec := &commitRecorder{}
	n := NewNegotiator(15*time.Millisecond, rec.record, newLogger())
	defer n.Close()

	n.Bootstrap("alice")
	if n.State() != Confirmed || n.Identity() != "alice" {
		t.Fatalf("expected confirmed alice, got %v %q", n.State(), n.Identity())
	}
	if len(rec.list()) != 0 {
		t.Fatal("bootstrap must not fire the commit callback")
	}

	// A fresh negotiator with nothing persisted stays unset.
	empty := NewNegotiator(15*time.Millisecond, rec.record, newLogger())
	defer empty.Close()
	empty.Bootstrap("")
	if empty.State() != Unset {
		t.Fatalf("expected unset, got %v", empty.State())
	}
}
