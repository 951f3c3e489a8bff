package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/captionsync/captiond/internal/config"
	"github.com/captionsync/captiond/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeralArchive(t *testing.T) {
	cfg := config.ArchiveConfig{RetentionMode: "ephemeral"}
	a, err := OpenArchive(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	if err := a.AppendUtterance(context.Background(), protocol.Utterance{ID: "u1"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op, got %v", err)
	}
	utts, err := a.ListRoomUtterances(context.Background(), "g1", 10)
	if err != nil || utts != nil {
		t.Fatalf("ephemeral archive must stay empty, got %v %v", utts, err)
	}
}

func TestAppendAndListUtterances(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.ArchiveConfig{Path: filepath.Join(tmp, "captions.db"), RetentionMode: "session"}
	a, err := OpenArchive(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	if err := a.EnsureRoom(context.Background(), "g1"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	utt := protocol.Utterance{ID: "u1", GroupID: "g1", Speaker: "alice", Text: "hello", Color: "skyblue"}
	if err := a.AppendUtterance(context.Background(), utt); err != nil {
		t.Fatalf("append utterance: %v", err)
	}

	// A duplicate save-on-end lands on the same row.
	if err := a.AppendUtterance(context.Background(), utt); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	utts, err := a.ListRoomUtterances(context.Background(), "g1", 10)
	if err != nil {
		t.Fatalf("list utterances: %v", err)
	}
	if len(utts) != 1 {
		t.Fatalf("expected 1 archived utterance, got %d", len(utts))
	}
	if utts[0].Speaker != "alice" || utts[0].Text != "hello" {
		t.Fatalf("unexpected archived utterance %+v", utts[0])
	}
}

func TestPruneByRetentionDays(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.ArchiveConfig{Path: filepath.Join(tmp, "captions.db"), RetentionMode: "persistent", RetentionDays: 1}
	a, err := OpenArchive(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	a.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := a.EnsureRoom(context.Background(), "old"); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	if err := a.AppendUtterance(context.Background(), protocol.Utterance{ID: "u1", GroupID: "old", Text: "bye"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	a.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := a.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	utts, err := a.ListRoomUtterances(context.Background(), "old", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(utts) != 0 {
		t.Fatalf("expected old utterances pruned, got %d", len(utts))
	}
}
