package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/captionsync/captiond/internal/capture"
	"github.com/captionsync/captiond/internal/palette"
	"github.com/captionsync/captiond/internal/protocol"
	"github.com/captionsync/captiond/internal/roomchan"
	"github.com/captionsync/captiond/internal/session"
	"github.com/captionsync/captiond/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRelay is an in-memory stand-in for the relay: it applies writes in
// arrival order and echoes every event to all channels, the sender
// included, mirroring the real fan-out contract.
type fakeRelay struct {
	mu       sync.Mutex
	state    *transcript.State
	channels []*fakeChannel
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{state: transcript.NewState()}
}

func (r *fakeRelay) channel() *fakeChannel {
	c := &fakeChannel{relay: r}
	r.mu.Lock()
	r.channels = append(r.channels, c)
	r.mu.Unlock()
	return c
}

func (r *fakeRelay) broadcastUtterance(utt protocol.Utterance) {
	r.mu.Lock()
	applied := r.state.ApplyUtterance(utt)
	subscribers := append([]*fakeChannel(nil), r.channels...)
	r.mu.Unlock()
	if !applied {
		return
	}
	for _, c := range subscribers {
		if c.handlers.OnUtterance != nil {
			c.handlers.OnUtterance(utt)
		}
	}
}

// applySilently mutates relay state without fanning the event out, as
// if the write landed while this client's subscription was down.
func (r *fakeRelay) applySilently(utt protocol.Utterance) {
	r.mu.Lock()
	r.state.ApplyUtterance(utt)
	r.mu.Unlock()
}

func (r *fakeRelay) broadcastPreview(p protocol.Preview) {
	r.mu.Lock()
	r.state.ApplyPreview(p)
	subscribers := append([]*fakeChannel(nil), r.channels...)
	r.mu.Unlock()
	for _, c := range subscribers {
		if c.handlers.OnPreview != nil {
			c.handlers.OnPreview(p)
		}
	}
}

type fakeChannel struct {
	relay       *fakeRelay
	handlers    roomchan.Handlers
	failPublish bool

	mu    sync.Mutex
	joins []protocol.Join
}

func (c *fakeChannel) Join(groupID, identity string) error {
	c.mu.Lock()
	c.joins = append(c.joins, protocol.Join{GroupID: groupID, Identity: identity})
	c.mu.Unlock()

	c.relay.mu.Lock()
	if identity != "" {
		c.relay.state.AddAttendee(identity)
	}
	snap := c.relay.state.Snapshot(groupID)
	c.relay.mu.Unlock()

	if c.handlers.OnSnapshot != nil {
		c.handlers.OnSnapshot(snap)
	}
	return nil
}

func (c *fakeChannel) PublishUtterance(utt protocol.Utterance) error {
	if c.failPublish {
		return errors.New("relay unreachable")
	}
	c.relay.broadcastUtterance(utt)
	return nil
}

func (c *fakeChannel) PublishPreview(p protocol.Preview) error {
	if c.failPublish {
		return errors.New("relay unreachable")
	}
	c.relay.broadcastPreview(p)
	return nil
}

func (c *fakeChannel) FetchSnapshot(_ context.Context, groupID string) (protocol.Snapshot, error) {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	return c.relay.state.Snapshot(groupID), nil
}

func (c *fakeChannel) Close() {}

func (c *fakeChannel) joinCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joins)
}

func (c *fakeChannel) lastJoin() (protocol.Join, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.joins) == 0 {
		return protocol.Join{}, false
	}
	return c.joins[len(c.joins)-1], true
}

func newParticipant(t *testing.T, relay *fakeRelay, name string) (*Synchronizer, *fakeChannel) {
	t.Helper()
	sess := &session.Context{
		ClientID: "client-" + name,
		GroupID:  "G1",
		Colors:   palette.NewAssigner(),
		State:    transcript.NewState(),
	}
	s := New(sess, 20*time.Millisecond, newLogger())
	t.Cleanup(s.Close)

	ch := relay.channel()
	ch.handlers = s.Handlers()
	s.Bind(ch)

	if name != "" {
		s.Negotiator().Commit(name)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start synchronizer: %v", err)
	}
	return s, ch
}

func TestUtteranceFansOutToAllParticipants(t *testing.T) {
	relay := newFakeRelay()
	alice, _ := newParticipant(t, relay, "alice")
	bob, _ := newParticipant(t, relay, "bob")

	alice.CommitUtterance("hello")

	got := bob.sess.State.Utterances()
	if len(got) != 1 {
		t.Fatalf("expected bob to receive 1 utterance, got %d", len(got))
	}
	if got[0].Speaker != "alice" || got[0].Text != "hello" {
		t.Fatalf("unexpected utterance %+v", got[0])
	}
	if got[0].Color == "" {
		t.Fatal("utterance must carry the speaker's assigned color")
	}

	// The echo back to alice must not duplicate her optimistic entry.
	if mine := alice.sess.State.Utterances(); len(mine) != 1 {
		t.Fatalf("echoed delivery duplicated the sender's transcript: %d entries", len(mine))
	}
}

func TestPreviewReplacesThenClearsEverywhere(t *testing.T) {
	relay := newFakeRelay()
	alice, _ := newParticipant(t, relay, "alice")
	bob, _ := newParticipant(t, relay, "bob")

	alice.UpdatePreview("a")
	alice.UpdatePreview("ab")

	if got := bob.sess.State.Previews()["alice"].Text; got != "ab" {
		t.Fatalf("expected replaced preview %q, got %q", "ab", got)
	}

	alice.UpdatePreview("")
	if _, ok := bob.sess.State.Previews()["alice"]; ok {
		t.Fatal("empty preview must clear alice's slot on every client")
	}
}

func TestSnapshotDiscardsStaleOptimisticEntries(t *testing.T) {
	relay := newFakeRelay()
	alice, ch := newParticipant(t, relay, "alice")
	bob, _ := newParticipant(t, relay, "bob")

	bob.CommitUtterance("hi there")

	// Alice publishes into a dead link: her entry stays local-only.
	ch.failPublish = true
	alice.CommitUtterance("ghost")
	if got := len(alice.sess.State.Utterances()); got != 2 {
		t.Fatalf("expected optimistic entry present pre-resync, got %d", got)
	}

	ch.failPublish = false
	alice.Resync(context.Background())

	got := alice.sess.State.Utterances()
	if len(got) != 1 || got[0].Text != "hi there" {
		t.Fatalf("expected resync to drop the unacked entry, got %+v", got)
	}
}

func TestPumpFiltersEmptyFinalsAndAlwaysPublishesPreview(t *testing.T) {
	relay := newFakeRelay()
	alice, _ := newParticipant(t, relay, "alice")
	bob, _ := newParticipant(t, relay, "bob")

	results := make(chan capture.Transcription, 4)
	results <- capture.Transcription{Final: "", Interim: "typ"}
	results <- capture.Transcription{Final: "typed it", Interim: ""}
	close(results)

	alice.Pump(context.Background(), results)

	got := bob.sess.State.Utterances()
	if len(got) != 1 || got[0].Text != "typed it" {
		t.Fatalf("empty finals must not commit, got %+v", got)
	}
	if _, ok := bob.sess.State.Previews()["alice"]; ok {
		t.Fatal("trailing empty interim must clear the preview slot")
	}
}

func TestReconnectRejoinsAndReplacesState(t *testing.T) {
	relay := newFakeRelay()
	alice, ch := newParticipant(t, relay, "alice")

	// A write lands while alice's subscription is down.
	relay.applySilently(protocol.Utterance{ID: "u-missed", GroupID: "G1", Speaker: "bob", Text: "missed this"})
	if got := len(alice.sess.State.Utterances()); got != 0 {
		t.Fatalf("missed write must not be visible before reconnect, got %d", got)
	}

	joinsBefore := ch.joinCount()
	ch.handlers.OnReconnect()

	got := alice.sess.State.Utterances()
	if len(got) != 1 || got[0].Text != "missed this" {
		t.Fatalf("expected reconnect snapshot to deliver the missed write, got %+v", got)
	}
	if ch.joinCount() <= joinsBefore {
		t.Fatal("reconnect must rejoin the room")
	}
	join, _ := ch.lastJoin()
	if join.GroupID != "G1" || join.Identity != "alice" {
		t.Fatalf("expected rejoin with the committed identity, got %+v", join)
	}
}

func TestSuggestedNameAutoCommitsAndRejoins(t *testing.T) {
	relay := newFakeRelay()
	sess := &session.Context{
		ClientID: "client-new",
		GroupID:  "G1",
		Colors:   palette.NewAssigner(),
		State:    transcript.NewState(),
	}
	s := New(sess, 20*time.Millisecond, newLogger())
	defer s.Close()

	ch := relay.channel()
	ch.handlers = s.Handlers()
	s.Bind(ch)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ch.handlers.OnNameSuggested("guest-1")

	deadline := time.Now().Add(2 * time.Second)
	for s.Negotiator().Identity() != "guest-1" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Negotiator().Identity(); got != "guest-1" {
		t.Fatalf("expected suggested name auto-committed, got %q", got)
	}

	join, ok := ch.lastJoin()
	if !ok || join.Identity != "guest-1" {
		t.Fatalf("expected rejoin with committed identity, got %+v", join)
	}
	if !contains(sess.State.Attendees(), "guest-1") {
		t.Fatal("committed identity must appear in the attendee set")
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
