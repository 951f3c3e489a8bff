package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/captionsync/captiond/internal/bus"
	"github.com/captionsync/captiond/internal/config"
	"github.com/captionsync/captiond/internal/protocol"
	"github.com/captionsync/captiond/internal/store"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Service is the relay: it owns the room registry, serializes writes per
// room, fans incremental events out to every member including the sender,
// and answers snapshot requests so reconnecting clients can repair missed
// updates. Rooms are created implicitly on first join and live for the
// process lifetime.
type Service struct {
	cfg     config.RelayConfig
	bus     *bus.Client
	archive *store.Archive
	log     *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room

	guestSeq atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription

	meter         metric.Meter
	roomGauge     metric.Int64ObservableGauge
	attendeeGauge metric.Int64ObservableGauge
}

func NewService(parent context.Context, cfg config.RelayConfig, busClient *bus.Client, archive *store.Archive, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:     cfg,
		bus:     busClient,
		archive: archive,
		log:     log.With(slog.String("component", "relay")),
		rooms:   make(map[string]*room),
		ctx:     ctx,
		cancel:  cancel,
		meter:   otel.Meter("github.com/captionsync/captiond/relay"),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize relay metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	var err error
	s.roomGauge, err = s.meter.Int64ObservableGauge("caption_rooms",
		metric.WithDescription("Number of live caption rooms"))
	if err != nil {
		return err
	}
	s.attendeeGauge, err = s.meter.Int64ObservableGauge("caption_attendees",
		metric.WithDescription("Number of joined participants across rooms"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s.mu.Lock()
		roomCount := int64(len(s.rooms))
		var attendees int64
		for _, r := range s.rooms {
			attendees += int64(r.memberCount())
		}
		s.mu.Unlock()
		o.ObserveInt64(s.roomGauge, roomCount)
		o.ObserveInt64(s.attendeeGauge, attendees)
		return nil
	}, s.roomGauge, s.attendeeGauge)
	return err
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	subscriptions := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectJoinPrefix + ".>", s.handleJoin},
		{protocol.SubjectUtterancePrefix + ".>", s.handleUtterance},
		{protocol.SubjectPreviewPrefix + ".>", s.handlePreview},
		{protocol.SubjectSnapshotPrefix + ".>", s.handleSnapshotRequest},
	}
	for _, sub := range subscriptions {
		ns, err := s.bus.Conn().Subscribe(sub.subject, sub.handler)
		if err != nil {
			s.Close()
			return fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
		s.subs = append(s.subs, ns)
	}
	s.log.Info("relay started")
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

func (s *Service) ensureRoom(groupID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[groupID]
	if r == nil {
		r = newRoom(groupID)
		s.rooms[groupID] = r
		s.log.Info("room created", slog.String("group", groupID))
	}
	return r
}

func groupFromSubject(subject, prefix string) string {
	return strings.TrimPrefix(subject, prefix+".")
}

func (s *Service) handleJoin(msg *nats.Msg) {
	var join protocol.Join
	if err := json.Unmarshal(msg.Data, &join); err != nil {
		s.log.Warn("failed to decode join", slogError(err))
		return
	}
	if join.GroupID == "" {
		join.GroupID = groupFromSubject(msg.Subject, protocol.SubjectJoinPrefix)
	}

	r := s.ensureRoom(join.GroupID)

	if join.Identity == "" && join.ClientID != "" {
		s.suggestName(join.ClientID)
	}

	snap := r.join(join.ClientID, join.Identity)

	if s.archive != nil {
		if err := s.archive.EnsureRoom(s.ctx, join.GroupID); err != nil {
			s.log.Warn("failed to archive room", slogError(err))
		}
	}

	// Every join, including a rejoin, pushes a fresh snapshot so a
	// reconnecting client converges before any concurrent incremental
	// event it might also receive.
	if join.ClientID != "" {
		s.publish(protocol.EventSnapshotSubject(join.GroupID, join.ClientID), snap)
	}

	s.log.Info("participant joined",
		slog.String("group", join.GroupID),
		slog.String("identity", join.Identity))
}

func (s *Service) suggestName(clientID string) {
	name := fmt.Sprintf("%s-%d", s.cfg.GuestPrefix, s.guestSeq.Add(1))
	s.publish(protocol.NameSubject(clientID), protocol.NameSuggestion{
		ClientID: clientID,
		Identity: name,
	})
	s.log.Info("suggested name", slog.String("name", name))
}

func (s *Service) handleUtterance(msg *nats.Msg) {
	var utt protocol.Utterance
	if err := json.Unmarshal(msg.Data, &utt); err != nil {
		s.log.Warn("failed to decode utterance", slogError(err))
		return
	}
	if utt.Text == "" {
		return
	}
	if utt.GroupID == "" {
		utt.GroupID = groupFromSubject(msg.Subject, protocol.SubjectUtterancePrefix)
	}
	if utt.ID == "" {
		utt.ID = uuid.NewString()
	}

	r := s.ensureRoom(utt.GroupID)

	// Hold the room lock across apply and broadcast so concurrent
	// publishes to the same room fan out in their applied order.
	r.mu.Lock()
	applied := r.state.ApplyUtterance(utt)
	if applied {
		s.publish(protocol.EventUtteranceSubject(utt.GroupID), utt)
	}
	r.mu.Unlock()

	if !applied {
		return
	}
	if s.archive != nil {
		if err := s.archive.AppendUtterance(s.ctx, utt); err != nil {
			s.log.Warn("failed to archive utterance", slogError(err))
		}
	}
}

func (s *Service) handlePreview(msg *nats.Msg) {
	var p protocol.Preview
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		s.log.Warn("failed to decode preview", slogError(err))
		return
	}
	if p.GroupID == "" {
		p.GroupID = groupFromSubject(msg.Subject, protocol.SubjectPreviewPrefix)
	}
	if p.Speaker == "" {
		return
	}

	r := s.ensureRoom(p.GroupID)

	r.mu.Lock()
	r.state.ApplyPreview(p)
	s.publish(protocol.EventPreviewSubject(p.GroupID), p)
	r.mu.Unlock()
}

func (s *Service) handleSnapshotRequest(msg *nats.Msg) {
	groupID := groupFromSubject(msg.Subject, protocol.SubjectSnapshotPrefix)
	r := s.ensureRoom(groupID)
	snap := r.snapshot()

	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Warn("failed to marshal snapshot", slogError(err))
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond with snapshot", slogError(err))
	}
}

func (s *Service) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("failed to marshal broadcast", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish broadcast",
			slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
