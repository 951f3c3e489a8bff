package session

import (
	"context"
	"log/slog"

	"github.com/captionsync/captiond/internal/config"
	"github.com/captionsync/captiond/internal/palette"
	"github.com/captionsync/captiond/internal/store"
	"github.com/captionsync/captiond/internal/transcript"
	"github.com/google/uuid"
)

// Context owns the per-session components every part of the client shares:
// the color assigner, the local transcript view, and the prefs store. It
// is constructed once per session and passed by reference; there are no
// package-level singletons behind it.
type Context struct {
	ClientID string
	GroupID  string

	Colors *palette.Assigner
	State  *transcript.State
	Prefs  *store.Prefs
}

// New builds a session context. The group key comes from the prefs store
// when one was persisted, falling back to the configured default; an
// explicit non-default config value wins and is persisted.
func New(ctx context.Context, cfg config.ClientConfig, log *slog.Logger) (*Context, error) {
	prefs, err := store.OpenPrefs(ctx, cfg.StorePath, log)
	if err != nil {
		return nil, err
	}

	groupID := cfg.GroupID
	stored, err := prefs.GroupID(ctx)
	if err != nil {
		log.Warn("failed to read stored group", slog.String("error", err.Error()))
	}
	if stored != "" && stored != groupID && groupID == config.Default().Client.GroupID {
		groupID = stored
	}
	if stored != groupID {
		if err := prefs.SetGroupID(ctx, groupID); err != nil {
			log.Warn("failed to persist group", slog.String("error", err.Error()))
		}
	}

	return &Context{
		ClientID: uuid.NewString(),
		GroupID:  groupID,
		Colors:   palette.NewAssigner(),
		State:    transcript.NewState(),
		Prefs:    prefs,
	}, nil
}

func (c *Context) Close() {
	if c.Prefs != nil {
		_ = c.Prefs.Close()
	}
}
