package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/captionsync/captiond/internal/capture"
	"github.com/captionsync/captiond/internal/identity"
	"github.com/captionsync/captiond/internal/protocol"
	"github.com/captionsync/captiond/internal/roomchan"
	"github.com/captionsync/captiond/internal/session"
	"github.com/google/uuid"
)

// Synchronizer reconciles the capture loop, the room channel, and the
// local transcript state. Writes are optimistic: a publish failure is
// logged and superseded by the next write or snapshot, never retried in
// place.
type Synchronizer struct {
	sess       *session.Context
	channel    roomchan.Channel
	negotiator *identity.Negotiator
	log        *slog.Logger
	newID      func() string
	clock      func() time.Time
}

func New(sess *session.Context, grace time.Duration, log *slog.Logger) *Synchronizer {
	s := &Synchronizer{
		sess:  sess,
		log:   log.With(slog.String("component", "syncer")),
		newID: uuid.NewString,
		clock: time.Now,
	}
	s.negotiator = identity.NewNegotiator(grace, s.onIdentityCommit, log)
	return s
}

// Bind attaches the room channel. Separate from New because the channel's
// handlers close over the synchronizer.
func (s *Synchronizer) Bind(ch roomchan.Channel) {
	s.channel = ch
}

// Negotiator exposes the identity state machine for manual commits.
func (s *Synchronizer) Negotiator() *identity.Negotiator {
	return s.negotiator
}

// Handlers wires inbound channel events into the local state.
func (s *Synchronizer) Handlers() roomchan.Handlers {
	return roomchan.Handlers{
		OnSnapshot:      s.applySnapshot,
		OnUtterance:     func(utt protocol.Utterance) { s.sess.State.ApplyUtterance(utt) },
		OnPreview:       func(p protocol.Preview) { s.sess.State.ApplyPreview(p) },
		OnNameSuggested: s.negotiator.Suggest,
		OnReconnect:     s.resyncOnReconnect,
	}
}

// Start joins the room and pulls an initial snapshot. The pull runs in
// addition to the relay's join-time push, so a client whose subscription
// attached late still converges.
func (s *Synchronizer) Start(ctx context.Context) error {
	name := s.negotiator.Identity()
	if err := s.channel.Join(s.sess.GroupID, name); err != nil {
		return err
	}
	if name != "" {
		s.sess.State.AddAttendee(name)
	}
	s.Resync(ctx)
	return nil
}

// Pump consumes capture loop output until the channel closes or ctx ends.
func (s *Synchronizer) Pump(ctx context.Context, results <-chan capture.Transcription) {
	for {
		select {
		case tr, ok := <-results:
			if !ok {
				return
			}
			if tr.Final != "" {
				s.CommitUtterance(tr.Final)
			}
			// The preview write is unconditional: an empty interim clears
			// this speaker's shared slot once they stop talking.
			s.UpdatePreview(tr.Interim)
		case <-ctx.Done():
			return
		}
	}
}

// CommitUtterance publishes a finalized fragment and applies it
// optimistically. Empty fragments are filtered upstream; guard anyway.
func (s *Synchronizer) CommitUtterance(text string) {
	if text == "" {
		return
	}
	speaker := s.speaker()
	utt := protocol.Utterance{
		ID:        s.newID(),
		GroupID:   s.sess.GroupID,
		Speaker:   speaker,
		Text:      text,
		Color:     s.sess.Colors.ColorFor(speaker),
		Timestamp: s.clock().UTC(),
	}
	if err := s.channel.PublishUtterance(utt); err != nil {
		// Not retried: the next capture write is the de facto retry and
		// the next snapshot corrects any divergence.
		s.log.Warn("failed to publish utterance", slog.String("error", err.Error()))
	}
	s.sess.State.ApplyUtterance(utt)
}

// UpdatePreview publishes the current provisional text, including empty.
func (s *Synchronizer) UpdatePreview(text string) {
	speaker := s.speaker()
	p := protocol.Preview{
		GroupID: s.sess.GroupID,
		Speaker: speaker,
		Text:    text,
		Color:   s.sess.Colors.ColorFor(speaker),
	}
	if err := s.channel.PublishPreview(p); err != nil {
		s.log.Warn("failed to publish preview", slog.String("error", err.Error()))
	}
	s.sess.State.ApplyPreview(p)
}

// Resync pulls the authoritative snapshot and replaces local state with
// it. Failures keep the last-known view.
func (s *Synchronizer) Resync(ctx context.Context) {
	snap, err := s.channel.FetchSnapshot(ctx, s.sess.GroupID)
	if err != nil {
		s.log.Warn("snapshot fetch failed, keeping stale view", slog.String("error", err.Error()))
		return
	}
	s.applySnapshot(snap)
}

func (s *Synchronizer) applySnapshot(snap protocol.Snapshot) {
	s.sess.State.ReplaceWith(snap)
	if name := s.negotiator.Identity(); name != "" {
		s.sess.State.AddAttendee(name)
	}
	s.log.Info("snapshot applied",
		slog.Int("utterances", len(snap.Utterances)),
		slog.Int("previews", len(snap.Previews)))
}

func (s *Synchronizer) resyncOnReconnect() {
	// Rejoin triggers the relay's snapshot push; the explicit fetch
	// covers the case where that push races the resubscribe.
	if err := s.channel.Join(s.sess.GroupID, s.negotiator.Identity()); err != nil {
		s.log.Warn("rejoin after reconnect failed", slog.String("error", err.Error()))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Resync(ctx)
}

func (s *Synchronizer) onIdentityCommit(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.sess.Prefs != nil {
		if err := s.sess.Prefs.SetIdentity(ctx, name); err != nil {
			s.log.Warn("failed to persist identity", slog.String("error", err.Error()))
		}
	}
	s.sess.State.AddAttendee(name)
	if s.channel != nil {
		if err := s.channel.Join(s.sess.GroupID, name); err != nil {
			s.log.Warn("failed to rejoin with committed identity", slog.String("error", err.Error()))
		}
	}
}

func (s *Synchronizer) speaker() string {
	if name := s.negotiator.Identity(); name != "" {
		return name
	}
	return "unknown"
}

// Close winds down the negotiator timer.
func (s *Synchronizer) Close() {
	s.negotiator.Close()
}
