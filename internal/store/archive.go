package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/captionsync/captiond/internal/config"
	"github.com/captionsync/captiond/internal/protocol"
	_ "modernc.org/sqlite"
)

// Archive persists finalized utterances per room on the relay side. The
// live room state stays in memory; the archive is what offline export
// reads. Retention mode "ephemeral" disables persistence entirely.
type Archive struct {
	db    *sql.DB
	cfg   config.ArchiveConfig
	log   *slog.Logger
	clock func() time.Time
}

func OpenArchive(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (*Archive, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Archive{cfg: cfg, log: log, clock: time.Now}, nil
	}

	db, err := openDB(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}

	a := &Archive{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("archive vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := a.Prune(ctx); err != nil {
		log.Warn("archive prune on start failed", slog.String("error", err.Error()))
	}

	return a, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func (a *Archive) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS rooms (
    group_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS utterances (
    id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL,
    speaker TEXT,
    text TEXT,
    color TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(group_id) REFERENCES rooms(group_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_utterances_room_created ON utterances(group_id, created_at);
`
	_, err := a.db.ExecContext(ctx, ddl)
	return err
}

func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// EnsureRoom makes a room row exist; repeated calls are no-ops.
func (a *Archive) EnsureRoom(ctx context.Context, groupID string) error {
	if a.cfg.RetentionMode == "ephemeral" || a.db == nil {
		return nil
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO rooms(group_id, created_at) VALUES(?, ?)
		 ON CONFLICT(group_id) DO NOTHING`,
		groupID, a.clock().UTC())
	return err
}

// AppendUtterance writes one finalized entry. The utterance ID is the
// primary key, so replayed saves-on-end land on the same row.
func (a *Archive) AppendUtterance(ctx context.Context, utt protocol.Utterance) error {
	if a.cfg.RetentionMode == "ephemeral" || a.db == nil {
		return nil
	}
	createdAt := utt.Timestamp
	if createdAt.IsZero() {
		createdAt = a.clock().UTC()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO utterances(id, group_id, speaker, text, color, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		utt.ID, utt.GroupID, utt.Speaker, utt.Text, utt.Color, createdAt)
	return err
}

// ListRoomUtterances returns up to limit entries for a room in append order.
func (a *Archive) ListRoomUtterances(ctx context.Context, groupID string, limit int) ([]protocol.Utterance, error) {
	if a.cfg.RetentionMode == "ephemeral" || a.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, group_id, speaker, text, color, created_at
		 FROM utterances WHERE group_id = ? ORDER BY created_at ASC LIMIT ?`, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.Utterance
	for rows.Next() {
		var u protocol.Utterance
		var created string
		if err := rows.Scan(&u.ID, &u.GroupID, &u.Speaker, &u.Text, &u.Color, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			u.Timestamp = ts
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Prune applies the configured retention window.
func (a *Archive) Prune(ctx context.Context) error {
	if a.cfg.RetentionMode == "ephemeral" || a.db == nil {
		return nil
	}
	if a.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := a.clock().Add(-time.Duration(a.cfg.RetentionDays) * 24 * time.Hour).UTC()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM utterances WHERE created_at < ?`, cutoff); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM rooms WHERE created_at < ?
		AND group_id NOT IN (SELECT DISTINCT group_id FROM utterances)`, cutoff); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}
