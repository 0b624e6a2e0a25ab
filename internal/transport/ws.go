// Package transport implements the backend collaborator over a single
// JSON-framed websocket: filtered row-change subscriptions, presence
// channels, and request/reply RPC share one connection.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatsync/internal/domain"
)

// Config configures the websocket backend.
type Config struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL   string
	Token string

	DialTimeout  time.Duration // default 10s
	ReplyTimeout time.Duration // default 10s

	Logger *slog.Logger
}

// wsFrame is the JSON protocol. Type routes the frame:
// "subscribe" | "unsubscribe" | "track" | "untrack" | "rpc" on the way
// out, "reply" | "event" | "status" | "presence_state" on the way in.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type feedHandle struct {
	status func(domain.FeedStatus, error)
	event  func(domain.ChangeEvent)
}

type rosterHandle struct {
	status func(domain.FeedStatus, error)

	mu    sync.Mutex
	state map[string][]domain.PresenceRecord
}

// WSBackend implements domain.Backend over one websocket connection.
// The connection is dialed lazily and redialed on the next call after a
// drop; reconnect pacing is the caller's state machine's job, not ours.
type WSBackend struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wsFrame
	feeds   map[string]*feedHandle
	rosters map[string]*rosterHandle
	closed  bool

	writeMu sync.Mutex
}

func NewWSBackend(cfg Config) *WSBackend {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WSBackend{
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: make(map[string]chan wsFrame),
		feeds:   make(map[string]*feedHandle),
		rosters: make(map[string]*rosterHandle),
	}
}

// ensureConn dials if there is no live connection.
func (b *WSBackend) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("backend closed")
	}
	if b.conn != nil {
		conn := b.conn
		b.mu.Unlock()
		return conn, nil
	}
	b.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, b.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.cfg.URL, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("backend closed")
	}
	b.conn = conn
	b.mu.Unlock()

	b.logger.Info("websocket connected", "url", b.cfg.URL)
	go b.readLoop(conn)
	return conn, nil
}

// readLoop dispatches inbound frames until the connection dies, then
// fans the failure out to every open channel and pending reply.
func (b *WSBackend) readLoop(conn *websocket.Conn) {
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			b.dropConn(conn, err)
			return
		}

		switch frame.Type {
		case "reply":
			b.mu.Lock()
			ch := b.pending[frame.ID]
			delete(b.pending, frame.ID)
			b.mu.Unlock()
			if ch != nil {
				ch <- frame
			}

		case "event":
			b.mu.Lock()
			feed := b.feeds[frame.Topic]
			b.mu.Unlock()
			if feed == nil {
				continue
			}
			var ev domain.ChangeEvent
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				b.logger.Warn("undecodable change event", "topic", frame.Topic, "err", err)
				continue
			}
			feed.event(ev)

		case "status":
			b.dispatchStatus(frame)

		case "presence_state":
			b.mu.Lock()
			roster := b.rosters[frame.Topic]
			b.mu.Unlock()
			if roster == nil {
				continue
			}
			var state map[string][]domain.PresenceRecord
			if err := json.Unmarshal(frame.Payload, &state); err != nil {
				b.logger.Warn("undecodable presence state", "topic", frame.Topic, "err", err)
				continue
			}
			roster.mu.Lock()
			roster.state = state
			roster.mu.Unlock()

		default:
			b.logger.Debug("unknown frame type", "type", frame.Type)
		}
	}
}

func (b *WSBackend) dispatchStatus(frame wsFrame) {
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}
	if err := json.Unmarshal(frame.Payload, &body); err != nil {
		b.logger.Warn("undecodable status frame", "topic", frame.Topic, "err", err)
		return
	}
	var cause error
	if body.Message != "" {
		cause = fmt.Errorf("%s", body.Message)
	}

	b.mu.Lock()
	feed := b.feeds[frame.Topic]
	roster := b.rosters[frame.Topic]
	b.mu.Unlock()

	status := domain.FeedStatus(body.Status)
	if feed != nil && feed.status != nil {
		feed.status(status, cause)
	}
	if roster != nil && roster.status != nil {
		roster.status(status, cause)
	}
}

// dropConn tears down a dead connection exactly once and notifies every
// consumer so their state machines can schedule the reconnect.
func (b *WSBackend) dropConn(conn *websocket.Conn, cause error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	pending := b.pending
	b.pending = make(map[string]chan wsFrame)
	feeds := make([]*feedHandle, 0, len(b.feeds))
	for _, f := range b.feeds {
		feeds = append(feeds, f)
	}
	rosters := make([]*rosterHandle, 0, len(b.rosters))
	for _, r := range b.rosters {
		rosters = append(rosters, r)
	}
	closed := b.closed
	b.mu.Unlock()

	conn.Close()
	if !closed {
		b.logger.Warn("websocket connection lost", "err", cause)
	}

	for _, ch := range pending {
		close(ch)
	}
	for _, f := range feeds {
		if f.status != nil {
			f.status(domain.FeedError, cause)
		}
	}
	for _, r := range rosters {
		if r.status != nil {
			r.status(domain.FeedError, cause)
		}
	}
}

func (b *WSBackend) write(conn *websocket.Conn, frame wsFrame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// roundTrip sends one frame and waits for its correlated reply. A reply
// carrying an error becomes a domain.BackendError so callers can branch
// on the code.
func (b *WSBackend) roundTrip(ctx context.Context, frame wsFrame) (wsFrame, error) {
	conn, err := b.ensureConn(ctx)
	if err != nil {
		return wsFrame{}, err
	}

	frame.ID = uuid.NewString()
	ch := make(chan wsFrame, 1)
	b.mu.Lock()
	b.pending[frame.ID] = ch
	b.mu.Unlock()

	if err := b.write(conn, frame); err != nil {
		b.mu.Lock()
		delete(b.pending, frame.ID)
		b.mu.Unlock()
		return wsFrame{}, fmt.Errorf("write %s frame: %w", frame.Type, err)
	}

	timer := time.NewTimer(b.cfg.ReplyTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return wsFrame{}, fmt.Errorf("connection lost awaiting %s reply", frame.Type)
		}
		if reply.Error != nil {
			return wsFrame{}, &domain.BackendError{Code: reply.Error.Code, Message: reply.Error.Message}
		}
		return reply, nil
	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, frame.ID)
		b.mu.Unlock()
		return wsFrame{}, fmt.Errorf("%s reply timed out", frame.Type)
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, frame.ID)
		b.mu.Unlock()
		return wsFrame{}, ctx.Err()
	}
}

// rpc is the mutating-call path: method plus a JSON payload, reply is
// the persisted row or a structured error.
func (b *WSBackend) rpc(ctx context.Context, method string, params any, out any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	reply, err := b.roundTrip(ctx, wsFrame{Type: "rpc", Method: method, Payload: payload})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Payload, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

// OpenFeed subscribes to row changes matching the filters. It blocks
// until the server acknowledges the subscription, so a nil error means
// the channel is live.
func (b *WSBackend) OpenFeed(ctx context.Context, filters []domain.ChangeFilter, status func(domain.FeedStatus, error), event func(domain.ChangeEvent)) (domain.Subscription, error) {
	topic := "feed-" + uuid.NewString()
	payload, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("encode filters: %w", err)
	}

	b.mu.Lock()
	b.feeds[topic] = &feedHandle{status: status, event: event}
	b.mu.Unlock()

	if _, err := b.roundTrip(ctx, wsFrame{Type: "subscribe", Topic: topic, Payload: payload}); err != nil {
		b.mu.Lock()
		delete(b.feeds, topic)
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	if status != nil {
		status(domain.FeedSubscribed, nil)
	}
	return &wsSubscription{backend: b, topic: topic}, nil
}

// OpenRoster joins a presence channel. The server pushes presence_state
// frames; Track/Untrack announce the local record.
func (b *WSBackend) OpenRoster(ctx context.Context, key string, status func(domain.FeedStatus, error)) (domain.Roster, error) {
	topic := "roster-" + key
	handle := &rosterHandle{status: status, state: make(map[string][]domain.PresenceRecord)}

	b.mu.Lock()
	b.rosters[topic] = handle
	b.mu.Unlock()

	if _, err := b.roundTrip(ctx, wsFrame{Type: "subscribe", Topic: topic}); err != nil {
		b.mu.Lock()
		delete(b.rosters, topic)
		b.mu.Unlock()
		return nil, fmt.Errorf("join roster %s: %w", key, err)
	}

	if status != nil {
		status(domain.FeedSubscribed, nil)
	}
	return &wsRoster{backend: b, topic: topic, handle: handle}, nil
}

func (b *WSBackend) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	var out domain.Message
	if err := b.rpc(ctx, "message.insert", msg, &out); err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

func (b *WSBackend) UpdateMessage(ctx context.Context, id, body string) (domain.Message, error) {
	var out domain.Message
	params := map[string]string{"id": id, "body": body}
	if err := b.rpc(ctx, "message.update", params, &out); err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

func (b *WSBackend) SoftDeleteMessage(ctx context.Context, id string) (domain.Message, error) {
	var out domain.Message
	if err := b.rpc(ctx, "message.delete", map[string]string{"id": id}, &out); err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

func (b *WSBackend) InsertReaction(ctx context.Context, r domain.ReactionEvent) error {
	return b.rpc(ctx, "reaction.insert", r, nil)
}

func (b *WSBackend) DeleteReaction(ctx context.Context, r domain.ReactionEvent) error {
	return b.rpc(ctx, "reaction.delete", r, nil)
}

func (b *WSBackend) InsertReadReceipt(ctx context.Context, r domain.ReadReceipt) error {
	return b.rpc(ctx, "receipt.insert", r, nil)
}

func (b *WSBackend) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]domain.Message, error) {
	params := map[string]any{"conversation_id": conversationID, "limit": limit}
	if !before.IsZero() {
		params["before"] = before
	}
	var out []domain.Message
	if err := b.rpc(ctx, "message.list", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *WSBackend) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	params := map[string]any{"user_id": userID, "last_seen_at": at}
	return b.rpc(ctx, "user.touch_last_seen", params, nil)
}

// Close tears down the connection. Open subscriptions get a FeedClosed
// status; further calls fail.
func (b *WSBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	feeds := make([]*feedHandle, 0, len(b.feeds))
	for _, f := range b.feeds {
		feeds = append(feeds, f)
	}
	rosters := make([]*rosterHandle, 0, len(b.rosters))
	for _, r := range b.rosters {
		rosters = append(rosters, r)
	}
	b.feeds = make(map[string]*feedHandle)
	b.rosters = make(map[string]*rosterHandle)
	b.mu.Unlock()

	for _, f := range feeds {
		if f.status != nil {
			f.status(domain.FeedClosed, nil)
		}
	}
	for _, r := range rosters {
		if r.status != nil {
			r.status(domain.FeedClosed, nil)
		}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// wsSubscription is a live change feed. Close is safe to call twice.
type wsSubscription struct {
	backend *WSBackend
	topic   string
	once    sync.Once
}

func (s *wsSubscription) Close() error {
	s.once.Do(func() {
		s.backend.mu.Lock()
		delete(s.backend.feeds, s.topic)
		conn := s.backend.conn
		s.backend.mu.Unlock()
		if conn != nil {
			// Best effort; the server also drops the topic on disconnect.
			if err := s.backend.write(conn, wsFrame{Type: "unsubscribe", Topic: s.topic}); err != nil {
				s.backend.logger.Debug("unsubscribe write", "topic", s.topic, "err", err)
			}
		}
	})
	return nil
}

// wsRoster is a joined presence channel.
type wsRoster struct {
	backend *WSBackend
	topic   string
	handle  *rosterHandle
	once    sync.Once
}

func (r *wsRoster) Track(ctx context.Context, rec domain.PresenceRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode presence record: %w", err)
	}
	if _, err := r.backend.roundTrip(ctx, wsFrame{Type: "track", Topic: r.topic, Payload: payload}); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	return nil
}

func (r *wsRoster) Untrack(ctx context.Context) error {
	if _, err := r.backend.roundTrip(ctx, wsFrame{Type: "untrack", Topic: r.topic}); err != nil {
		return fmt.Errorf("untrack: %w", err)
	}
	return nil
}

func (r *wsRoster) State() map[string][]domain.PresenceRecord {
	r.handle.mu.Lock()
	defer r.handle.mu.Unlock()
	out := make(map[string][]domain.PresenceRecord, len(r.handle.state))
	for k, v := range r.handle.state {
		out[k] = append([]domain.PresenceRecord(nil), v...)
	}
	return out
}

func (r *wsRoster) Close() error {
	r.once.Do(func() {
		r.backend.mu.Lock()
		delete(r.backend.rosters, r.topic)
		conn := r.backend.conn
		r.backend.mu.Unlock()
		if conn != nil {
			if err := r.backend.write(conn, wsFrame{Type: "unsubscribe", Topic: r.topic}); err != nil {
				r.backend.logger.Debug("roster unsubscribe write", "topic", r.topic, "err", err)
			}
		}
	})
	return nil
}
