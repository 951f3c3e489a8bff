package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
)

const (
	prefIdentity = "identity"
	prefGroupID  = "group_id"
)

// Prefs is the client-local persistence for the last-committed identity
// and last-used group key. Read at startup, written only on identity
// confirmation or explicit group change.
type Prefs struct {
	db  *sql.DB
	log *slog.Logger
}

func OpenPrefs(ctx context.Context, path string, log *slog.Logger) (*Prefs, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	ddl := `
CREATE TABLE IF NOT EXISTS prefs (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, err
	}
	return &Prefs{db: db, log: log}, nil
}

func (p *Prefs) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Prefs) get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (p *Prefs) set(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO prefs(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (p *Prefs) Identity(ctx context.Context) (string, error) {
	return p.get(ctx, prefIdentity)
}

func (p *Prefs) SetIdentity(ctx context.Context, identity string) error {
	return p.set(ctx, prefIdentity, identity)
}

func (p *Prefs) GroupID(ctx context.Context) (string, error) {
	return p.get(ctx, prefGroupID)
}

func (p *Prefs) SetGroupID(ctx context.Context, groupID string) error {
	return p.set(ctx, prefGroupID, groupID)
}
