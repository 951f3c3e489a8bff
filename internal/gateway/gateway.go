package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/captionsync/captiond/internal/bus"
	"github.com/captionsync/captiond/internal/config"
	"github.com/captionsync/captiond/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// Frame is the websocket envelope. Types mirror the relay message
// contract: join, utterance, preview, snapshot (request), and the
// outbound snapshot, name, utterance, preview events.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Server bridges browser-style clients onto the relay: each websocket
// connection becomes a room participant speaking the same subjects a
// native NATS client would. The relay stays the single authoritative
// path; the gateway only translates.
type Server struct {
	cfg      config.GatewayConfig
	bus      *bus.Client
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg config.GatewayConfig, busClient *bus.Client, log *slog.Logger) *Server {
	return &Server{
		cfg: cfg,
		bus: busClient,
		log: log.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{
		server:   s,
		conn:     conn,
		clientID: uuid.NewString(),
	}
	defer client.close()

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if err := client.subscribeName(); err != nil {
		s.log.Warn("failed to subscribe name suggestions", slog.String("error", err.Error()))
		return
	}

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws read ended", slog.String("error", err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		client.handleFrame(frame)
	}
}

type wsClient struct {
	server   *Server
	conn     *websocket.Conn
	clientID string

	writeMu sync.Mutex
	mu      sync.Mutex
	groupID string
	subs    []*nats.Subscription
	nameSub *nats.Subscription
}

func (c *wsClient) handleFrame(frame Frame) {
	log := c.server.log
	switch frame.Type {
	case "join":
		var join protocol.Join
		if err := json.Unmarshal(frame.Data, &join); err != nil {
			log.Warn("bad join frame", slog.String("error", err.Error()))
			return
		}
		join.ClientID = c.clientID
		if err := c.joinGroup(join); err != nil {
			log.Warn("ws join failed", slog.String("error", err.Error()))
		}
	case "utterance":
		var utt protocol.Utterance
		if err := json.Unmarshal(frame.Data, &utt); err != nil {
			log.Warn("bad utterance frame", slog.String("error", err.Error()))
			return
		}
		c.forward(protocol.UtteranceSubject(utt.GroupID), utt)
	case "preview":
		var p protocol.Preview
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			log.Warn("bad preview frame", slog.String("error", err.Error()))
			return
		}
		c.forward(protocol.PreviewSubject(p.GroupID), p)
	case "snapshot":
		var req protocol.SnapshotRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			log.Warn("bad snapshot frame", slog.String("error", err.Error()))
			return
		}
		c.fetchSnapshot(req.GroupID)
	default:
		log.Warn("unknown ws frame type", slog.String("type", frame.Type))
	}
}

func (c *wsClient) joinGroup(join protocol.Join) error {
	c.mu.Lock()
	if c.groupID != join.GroupID {
		for _, sub := range c.subs {
			_ = sub.Drain()
		}
		c.subs = nil
		c.groupID = join.GroupID

		subjects := map[string]string{
			"utterance": protocol.EventUtteranceSubject(join.GroupID),
			"preview":   protocol.EventPreviewSubject(join.GroupID),
			"snapshot":  protocol.EventSnapshotSubject(join.GroupID, c.clientID),
		}
		for frameType, subject := range subjects {
			ft := frameType
			sub, err := c.server.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
				c.push(ft, msg.Data)
			})
			if err != nil {
				c.mu.Unlock()
				return err
			}
			c.subs = append(c.subs, sub)
		}
	}
	c.mu.Unlock()

	c.forward(protocol.JoinSubject(join.GroupID), join)
	return nil
}

func (c *wsClient) subscribeName() error {
	sub, err := c.server.bus.Conn().Subscribe(protocol.NameSubject(c.clientID), func(msg *nats.Msg) {
		c.push("name", msg.Data)
	})
	if err != nil {
		return err
	}
	c.nameSub = sub
	return nil
}

func (c *wsClient) fetchSnapshot(groupID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := json.Marshal(protocol.SnapshotRequest{GroupID: groupID})
	if err != nil {
		return
	}
	msg, err := c.server.bus.Conn().RequestWithContext(ctx, protocol.SnapshotSubject(groupID), req)
	if err != nil {
		c.server.log.Warn("ws snapshot fetch failed", slog.String("error", err.Error()))
		return
	}
	c.push("snapshot", msg.Data)
}

func (c *wsClient) forward(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.server.log.Warn("failed to marshal ws forward", slog.String("error", err.Error()))
		return
	}
	if err := c.server.bus.Conn().Publish(subject, data); err != nil {
		c.server.log.Warn("failed to forward ws message",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (c *wsClient) push(frameType string, data []byte) {
	frame := Frame{Type: frameType, Data: data}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.server.log.Debug("ws write failed", slog.String("error", err.Error()))
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil
	if c.nameSub != nil {
		_ = c.nameSub.Drain()
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}
