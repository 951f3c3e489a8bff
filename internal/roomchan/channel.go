package roomchan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/captionsync/captiond/internal/bus"
	"github.com/captionsync/captiond/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Handlers receive inbound room events. All handlers are invoked from a
// single dispatch loop per channel, never concurrently with each other,
// so they need no locking but must stay short and non-blocking.
type Handlers struct {
	OnSnapshot      func(protocol.Snapshot)
	OnUtterance     func(protocol.Utterance)
	OnPreview       func(protocol.Preview)
	OnNameSuggested func(identity string)
	OnReconnect     func()
}

// Channel is the bidirectional link between a participant and the relay.
// Incremental events are echoed back to the sender too, so handlers must
// be idempotent under duplicate delivery.
type Channel interface {
	// Join enters a room. Rejoining is a no-op on the relay but still
	// triggers a fresh snapshot push to this client.
	Join(groupID, identity string) error
	PublishUtterance(utt protocol.Utterance) error
	PublishPreview(p protocol.Preview) error
	// FetchSnapshot pulls the full authoritative room state.
	FetchSnapshot(ctx context.Context, groupID string) (protocol.Snapshot, error)
	Close()
}

const snapshotTimeout = 5 * time.Second

type natsChannel struct {
	bus      *bus.Client
	clientID string
	handlers Handlers
	log      *slog.Logger

	mu      sync.Mutex
	groupID string
	subs    []*nats.Subscription
	nameSub *nats.Subscription

	inbox chan func()
	done  chan struct{}
	once  sync.Once
}

// NewChannel builds a Channel over the shared NATS connection. It also
// installs a reconnect hook so the synchronizer can pull a repair
// snapshot whenever the transport comes back.
func NewChannel(busClient *bus.Client, clientID string, handlers Handlers, log *slog.Logger) (Channel, error) {
	c := &natsChannel{
		bus:      busClient,
		clientID: clientID,
		handlers: handlers,
		log:      log.With(slog.String("component", "roomchan")),
		inbox:    make(chan func(), 64),
		done:     make(chan struct{}),
	}

	go c.dispatchLoop()

	nameSub, err := busClient.Conn().Subscribe(protocol.NameSubject(clientID), c.handleNameSuggested)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe name suggestions: %w", err)
	}
	c.nameSub = nameSub

	busClient.Conn().SetReconnectHandler(func(_ *nats.Conn) {
		c.log.Info("transport reconnected")
		if handlers.OnReconnect != nil {
			c.enqueue(handlers.OnReconnect)
		}
	})

	return c, nil
}

func (c *natsChannel) dispatchLoop() {
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *natsChannel) enqueue(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

func (c *natsChannel) Join(groupID, identity string) error {
	c.mu.Lock()
	if c.groupID != groupID {
		for _, sub := range c.subs {
			_ = sub.Drain()
		}
		c.subs = nil
		c.groupID = groupID

		subjects := []struct {
			subject string
			handler nats.MsgHandler
		}{
			{protocol.EventUtteranceSubject(groupID), c.handleUtterance},
			{protocol.EventPreviewSubject(groupID), c.handlePreview},
			{protocol.EventSnapshotSubject(groupID, c.clientID), c.handleSnapshot},
		}
		for _, s := range subjects {
			sub, err := c.bus.Conn().Subscribe(s.subject, s.handler)
			if err != nil {
				c.mu.Unlock()
				return fmt.Errorf("subscribe %s: %w", s.subject, err)
			}
			c.subs = append(c.subs, sub)
		}
	}
	c.mu.Unlock()

	return c.publish(protocol.JoinSubject(groupID), protocol.Join{
		GroupID:  groupID,
		Identity: identity,
		ClientID: c.clientID,
	})
}

func (c *natsChannel) PublishUtterance(utt protocol.Utterance) error {
	return c.publish(protocol.UtteranceSubject(utt.GroupID), utt)
}

func (c *natsChannel) PublishPreview(p protocol.Preview) error {
	return c.publish(protocol.PreviewSubject(p.GroupID), p)
}

func (c *natsChannel) FetchSnapshot(ctx context.Context, groupID string) (protocol.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	req, err := json.Marshal(protocol.SnapshotRequest{GroupID: groupID})
	if err != nil {
		return protocol.Snapshot{}, err
	}
	msg, err := c.bus.Conn().RequestWithContext(ctx, protocol.SnapshotSubject(groupID), req)
	if err != nil {
		return protocol.Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	var snap protocol.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (c *natsChannel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		for _, sub := range c.subs {
			_ = sub.Drain()
		}
		c.subs = nil
		if c.nameSub != nil {
			_ = c.nameSub.Drain()
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *natsChannel) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.bus.Conn().Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *natsChannel) handleUtterance(msg *nats.Msg) {
	var utt protocol.Utterance
	if err := json.Unmarshal(msg.Data, &utt); err != nil {
		c.log.Warn("failed to decode utterance event", slog.String("error", err.Error()))
		return
	}
	if c.handlers.OnUtterance != nil {
		c.enqueue(func() { c.handlers.OnUtterance(utt) })
	}
}

func (c *natsChannel) handlePreview(msg *nats.Msg) {
	var p protocol.Preview
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		c.log.Warn("failed to decode preview event", slog.String("error", err.Error()))
		return
	}
	if c.handlers.OnPreview != nil {
		c.enqueue(func() { c.handlers.OnPreview(p) })
	}
}

func (c *natsChannel) handleSnapshot(msg *nats.Msg) {
	var snap protocol.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		c.log.Warn("failed to decode snapshot event", slog.String("error", err.Error()))
		return
	}
	if c.handlers.OnSnapshot != nil {
		c.enqueue(func() { c.handlers.OnSnapshot(snap) })
	}
}

func (c *natsChannel) handleNameSuggested(msg *nats.Msg) {
	var suggestion protocol.NameSuggestion
	if err := json.Unmarshal(msg.Data, &suggestion); err != nil {
		c.log.Warn("failed to decode name suggestion", slog.String("error", err.Error()))
		return
	}
	if c.handlers.OnNameSuggested != nil {
		c.enqueue(func() { c.handlers.OnNameSuggested(suggestion.Identity) })
	}
}
