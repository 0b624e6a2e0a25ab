// Package stream keeps a local view of one conversation consistent with
// the backend over an unreliable channel: it subscribes to row-change
// events, exposes an optimistic send path backed by the durable queue,
// and reconciles temporary records against authoritative rows.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/backoff"
	"chatsync/internal/bus"
	"chatsync/internal/connstate"
	"chatsync/internal/domain"
	"chatsync/internal/metrics"
	"chatsync/internal/outbox"
)

// DefaultSendRetries is the ceiling for network attempts per queued
// send. Presence joins use their own, higher ceiling; the two are kept
// separate on purpose.
const DefaultSendRetries = 3

// Handlers is the callback contract the UI layer registers. Nil entries
// are skipped.
type Handlers struct {
	OnNewMessage func(domain.Message)

	// OnMessageUpdated receives the authoritative message plus the ID it
	// replaces locally. prevID equals msg.ID for plain edits; when a
	// queued send is confirmed, prevID is the temporary ID.
	OnMessageUpdated func(prevID string, msg domain.Message)

	// OnMessageDeleted fires for tombstones and for optimistic records
	// dropped after the retry ceiling, so a failed send never leaves a
	// permanently pending bubble.
	OnMessageDeleted func(id string)

	OnReactionAdded   func(domain.ReactionEvent)
	OnReactionRemoved func(domain.ReactionEvent)
	OnReadReceipt     func(domain.ReadReceipt)

	OnConnectionChange func(connected bool)
}

// Config wires one Client.
type Config struct {
	Backend domain.Backend
	Queue   *outbox.Store
	Bus     *bus.EventBus
	Monitor domain.NetworkMonitor

	// UserID is the local user; sends and author checks use it.
	UserID string

	// SendRetries is the per-message network attempt ceiling; zero means
	// DefaultSendRetries.
	SendRetries int

	// SubscribeRetries bounds channel resubscribe attempts; zero means
	// connstate.DefaultMaxRetries.
	SubscribeRetries int

	Backoff backoff.Policy
	Logger  *slog.Logger
}

// Client is the message-stream client for one conversation at a time.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	handlers Handlers

	mu             sync.Mutex
	conversationID string
	machine        *connstate.Machine
	sub            domain.Subscription
	known          map[string]string // canonical id -> sender id, doubles as dedup set
	pending        map[string]bool   // temporary ids awaiting confirmation
	lastConnected  bool
	draining       bool
	drainAgain     bool // an enqueue landed while a pass was mid-flight
}

func New(cfg Config) *Client {
	if cfg.SendRetries <= 0 {
		cfg.SendRetries = DefaultSendRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		known:   make(map[string]string),
		pending: make(map[string]bool),
	}
}

// Subscribe opens the row-change channel for the conversation: message
// insert/update/delete, reaction insert/delete, and read-receipt insert.
// It returns once the channel is active, or immediately and non-fatally
// when the environment is offline or backgrounded; the channel then
// comes up on its own once a connectivity signal arrives. Queued sends
// left over from a previous session are resurfaced as optimistic
// messages and redrained.
func (c *Client) Subscribe(ctx context.Context, conversationID string, h Handlers) error {
	c.mu.Lock()
	if c.machine != nil {
		current := c.conversationID
		c.mu.Unlock()
		c.logger.Warn("subscribe ignored, already subscribed", "conversation", current)
		return nil
	}
	c.conversationID = conversationID
	c.handlers = h
	m := connstate.New(connstate.Config{
		Name:       "stream:" + conversationID,
		Dial:       c.dial,
		MaxRetries: c.cfg.SubscribeRetries,
		Backoff:    c.cfg.Backoff,
		Monitor:    c.cfg.Monitor,
		Bus:        c.cfg.Bus,
		Logger:     c.logger,
	})
	c.machine = m
	c.mu.Unlock()

	m.OnChange(c.onStateChange)

	c.resurfaceQueued(ctx)

	return m.Open(ctx)
}

// resurfaceQueued reloads the durable queue after a restart so the UI
// shows the still-pending bubbles from the abandoned session.
func (c *Client) resurfaceQueued(ctx context.Context) {
	items, err := c.cfg.Queue.All(ctx)
	if err != nil {
		c.logger.Error("cannot reload send queue", "err", err)
		return
	}

	var resurfaced []domain.Message
	c.mu.Lock()
	for _, item := range items {
		if item.Payload.ConversationID != c.conversationID {
			continue
		}
		if !c.pending[item.TempID] {
			c.pending[item.TempID] = true
			resurfaced = append(resurfaced, item.Payload)
		}
	}
	h := c.handlers
	c.mu.Unlock()

	for _, msg := range resurfaced {
		if h.OnNewMessage != nil {
			h.OnNewMessage(msg)
		}
	}
	if len(resurfaced) > 0 {
		c.logger.Info("resurfaced queued sends from previous session", "count", len(resurfaced))
	}
}

// dial opens the filtered change feed. Called only by the state machine.
func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	conv := c.conversationID
	old := c.sub
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	filters := []domain.ChangeFilter{
		{Table: domain.TableMessages, Column: "conversation_id", Value: conv},
		{Table: domain.TableReactions, Column: "conversation_id", Value: conv},
		{Table: domain.TableReadReceipts, Column: "conversation_id", Value: conv},
	}
	metrics.Reconnects.Inc()
	sub, err := c.cfg.Backend.OpenFeed(ctx, filters, c.onFeedStatus, c.handleEvent)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) onFeedStatus(status domain.FeedStatus, err error) {
	switch status {
	case domain.FeedError, domain.FeedClosed:
		c.mu.Lock()
		m := c.machine
		c.mu.Unlock()
		if m != nil {
			if err == nil {
				err = fmt.Errorf("channel %s", status)
			}
			m.Fail(err)
		}
	}
}

// onStateChange relays connectivity to the UI as a bool and redrains the
// queue whenever the channel comes back up.
func (c *Client) onStateChange(s domain.ConnState) {
	connected := s == domain.StateActive

	c.mu.Lock()
	changed := connected != c.lastConnected
	c.lastConnected = connected
	h := c.handlers
	c.mu.Unlock()

	if changed && h.OnConnectionChange != nil {
		h.OnConnectionChange(connected)
	}
	if connected {
		go c.Drain(context.Background())
	}
}

// Send constructs an optimistic message with a temporary ID, surfaces it
// to the UI immediately, persists it to the durable queue, and attempts
// the network insert right away when the channel is up. The returned
// message carries the temporary ID.
func (c *Client) Send(ctx context.Context, text, replyToID string) (domain.Message, error) {
	c.mu.Lock()
	conv := c.conversationID
	h := c.handlers
	c.mu.Unlock()
	if conv == "" {
		return domain.Message{}, fmt.Errorf("send before subscribe")
	}

	msg := domain.Message{
		ID:             domain.TempIDPrefix + uuid.NewString(),
		ConversationID: conv,
		SenderID:       c.cfg.UserID,
		Body:           text,
		ReplyToID:      replyToID,
		CreatedAt:      time.Now(),
	}

	c.mu.Lock()
	c.pending[msg.ID] = true
	c.mu.Unlock()

	// UI updates without waiting on the network.
	if h.OnNewMessage != nil {
		h.OnNewMessage(msg)
	}

	item := domain.QueuedSend{TempID: msg.ID, Payload: msg, EnqueuedAt: msg.CreatedAt}
	if err := c.cfg.Queue.Enqueue(ctx, item); err != nil {
		// The optimistic record stays visible; the send only survives
		// this process if the disk write worked.
		c.logger.Error("cannot persist queued send", "temp_id", msg.ID, "err", err)
	}
	metrics.SendsTotal.Inc()
	c.updateQueueDepth(ctx)
	if c.cfg.Bus != nil {
		c.cfg.Bus.Emit(bus.Event{
			Type:    bus.EventSendQueued,
			Source:  "stream",
			Payload: map[string]any{"temp_id": msg.ID, "conversation": conv},
		})
	}

	if c.connected() {
		c.Drain(ctx)
	}
	return msg, nil
}

// Drain processes the durable queue in enqueue order. It stops at the
// first transient failure so conversation ordering is preserved, and
// drops an entry after the retry ceiling, telling the UI to remove the
// optimistic record. Safe to call from any goroutine; a call that finds
// a pass mid-flight marks it for a rerun instead of returning a stale
// no-op, so an enqueue that raced the queue read is still flushed.
func (c *Client) Drain(ctx context.Context) {
	c.mu.Lock()
	if c.draining {
		c.drainAgain = true
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		c.drainAgain = false
		c.mu.Unlock()

		c.drainPass(ctx)

		c.mu.Lock()
		if !c.drainAgain {
			c.draining = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

// drainPass reads the queue once and flushes until it empties, the
// connection drops, or a transient failure stops the pass.
func (c *Client) drainPass(ctx context.Context) {
	items, err := c.cfg.Queue.All(ctx)
	if err != nil {
		c.logger.Error("cannot read send queue", "err", err)
		return
	}

	for _, item := range items {
		if !c.connected() {
			return
		}
		if stop := c.flushOne(ctx, item); stop {
			return
		}
	}
	c.updateQueueDepth(ctx)
}

// flushOne attempts one queued insert. Returns true when the drain pass
// should stop (transient failure, order must hold).
func (c *Client) flushOne(ctx context.Context, item domain.QueuedSend) bool {
	canonical, err := c.cfg.Backend.InsertMessage(ctx, item.Payload)
	if err == nil {
		c.confirm(ctx, item, canonical)
		return false
	}
	if domain.IsAuthz(err) {
		// Rejected, not unreachable. Retrying cannot help.
		c.drop(ctx, item, err)
		return false
	}

	retries, bumpErr := c.cfg.Queue.Bump(ctx, item.TempID)
	if bumpErr != nil {
		c.logger.Error("cannot bump retry counter", "temp_id", item.TempID, "err", bumpErr)
		return true
	}
	metrics.SendRetries.Inc()

	if retries >= c.cfg.SendRetries {
		c.drop(ctx, item, err)
		return false
	}

	c.logger.Warn("send failed, still queued", "temp_id", item.TempID, "retries", retries, "err", err)
	return true
}

// confirm replaces the temporary record with the canonical row: exactly
// one update callback, queue entry removed, echo marked known so the
// change-feed copy is deduplicated.
func (c *Client) confirm(ctx context.Context, item domain.QueuedSend, canonical domain.Message) {
	if err := c.cfg.Queue.Remove(ctx, item.TempID); err != nil {
		c.logger.Error("cannot remove confirmed send", "temp_id", item.TempID, "err", err)
	}

	c.mu.Lock()
	delete(c.pending, item.TempID)
	c.known[canonical.ID] = canonical.SenderID
	h := c.handlers
	c.mu.Unlock()

	metrics.SendsConfirmed.Inc()
	metrics.SendLatency.Observe(time.Since(item.EnqueuedAt).Seconds())
	if c.cfg.Bus != nil {
		c.cfg.Bus.Emit(bus.Event{
			Type:    bus.EventSendConfirmed,
			Source:  "stream",
			Payload: map[string]any{"temp_id": item.TempID, "id": canonical.ID},
		})
	}
	if h.OnMessageUpdated != nil {
		h.OnMessageUpdated(item.TempID, canonical)
	}
	c.updateQueueDepth(ctx)
}

// drop removes an entry that exhausted its retries and fires exactly one
// deletion callback so the UI can replace the stuck bubble with a
// resend prompt.
func (c *Client) drop(ctx context.Context, item domain.QueuedSend, cause error) {
	if err := c.cfg.Queue.Remove(ctx, item.TempID); err != nil {
		c.logger.Error("cannot remove failed send", "temp_id", item.TempID, "err", err)
	}

	c.mu.Lock()
	delete(c.pending, item.TempID)
	h := c.handlers
	c.mu.Unlock()

	metrics.SendsFailed.Inc()
	c.logger.Error("send dropped after retry ceiling", "temp_id", item.TempID, "err", cause)
	if c.cfg.Bus != nil {
		c.cfg.Bus.Emit(bus.Event{
			Type:    bus.EventSendFailed,
			Source:  "stream",
			Payload: map[string]any{"temp_id": item.TempID, "err": cause.Error()},
		})
	}
	if h.OnMessageDeleted != nil {
		h.OnMessageDeleted(item.TempID)
	}
	c.updateQueueDepth(ctx)
}

// EditMessage updates the body of a message the local user authored.
// Not queued: a failure surfaces synchronously to the caller.
func (c *Client) EditMessage(ctx context.Context, id, text string) (domain.Message, error) {
	if err := c.requireAuthor(id); err != nil {
		return domain.Message{}, err
	}
	msg, err := c.cfg.Backend.UpdateMessage(ctx, id, text)
	if err != nil {
		return domain.Message{}, fmt.Errorf("edit message %s: %w", id, err)
	}
	return msg, nil
}

// DeleteMessage soft-deletes a message the local user authored. The
// record survives as a tombstone.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	if err := c.requireAuthor(id); err != nil {
		return err
	}
	if _, err := c.cfg.Backend.SoftDeleteMessage(ctx, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// requireAuthor rejects mutations on rows another user wrote, when
// authorship is known locally. The backend enforces it regardless.
func (c *Client) requireAuthor(id string) error {
	c.mu.Lock()
	sender, seen := c.known[id]
	c.mu.Unlock()
	if seen && sender != c.cfg.UserID {
		return domain.ErrNotAuthor
	}
	return nil
}

// AddReaction inserts a reaction for the local user. A duplicate
// reaction trips the backend's uniqueness constraint and is treated as
// success.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	err := c.cfg.Backend.InsertReaction(ctx, domain.ReactionEvent{
		MessageID: messageID,
		UserID:    c.cfg.UserID,
		Emoji:     emoji,
	})
	if domain.IsUniqueViolation(err) {
		return nil
	}
	return err
}

// RemoveReaction deletes the local user's reaction. Removal is its own
// event, not a mutation of the add.
func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return c.cfg.Backend.DeleteReaction(ctx, domain.ReactionEvent{
		MessageID: messageID,
		UserID:    c.cfg.UserID,
		Emoji:     emoji,
	})
}

// MarkRead records a read receipt. Re-reading the same message is
// idempotent.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	err := c.cfg.Backend.InsertReadReceipt(ctx, domain.ReadReceipt{
		MessageID: messageID,
		UserID:    c.cfg.UserID,
		ReadAt:    time.Now(),
	})
	if domain.IsUniqueViolation(err) {
		return nil
	}
	return err
}

// LoadMore fetches an older page of history and registers the rows for
// dedup, oldest first.
func (c *Client) LoadMore(ctx context.Context, before time.Time, limit int) ([]domain.Message, error) {
	c.mu.Lock()
	conv := c.conversationID
	c.mu.Unlock()
	if conv == "" {
		return nil, fmt.Errorf("load before subscribe")
	}

	msgs, err := c.cfg.Backend.ListMessages(ctx, conv, before, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	c.mu.Lock()
	for _, m := range msgs {
		c.known[m.ID] = m.SenderID
	}
	c.mu.Unlock()
	return msgs, nil
}

// Refresh refetches the latest page, e.g. after a long background gap.
func (c *Client) Refresh(ctx context.Context) ([]domain.Message, error) {
	return c.LoadMore(ctx, time.Time{}, 50)
}

// Unsubscribe tears the channel down. Idempotent, never errors, safe
// mid-subscribe; queued sends stay on disk for the next session.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	m := c.machine
	sub := c.sub
	c.machine = nil
	c.sub = nil
	c.mu.Unlock()

	if m != nil {
		m.Close()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			c.logger.Debug("feed close", "err", err)
		}
	}
}

// State returns the channel state, StateIdle before Subscribe.
func (c *Client) State() domain.ConnState {
	c.mu.Lock()
	m := c.machine
	c.mu.Unlock()
	if m == nil {
		return domain.StateIdle
	}
	return m.State()
}

func (c *Client) connected() bool {
	if c.State() != domain.StateActive {
		return false
	}
	if c.cfg.Monitor != nil && !c.cfg.Monitor.Online() {
		return false
	}
	return true
}

// handleEvent relays one row-change event to the UI, deduplicated by ID,
// in arrival order.
func (c *Client) handleEvent(ev domain.ChangeEvent) {
	metrics.EventsReceived.Inc()

	switch ev.Table {
	case domain.TableMessages:
		c.handleMessageEvent(ev)
	case domain.TableReactions:
		c.handleReactionEvent(ev)
	case domain.TableReadReceipts:
		c.handleReceiptEvent(ev)
	default:
		c.logger.Debug("event for unknown table", "table", ev.Table)
	}
}

func (c *Client) handleMessageEvent(ev domain.ChangeEvent) {
	raw := ev.New
	if ev.Type == domain.ChangeDelete && len(raw) == 0 {
		raw = ev.Old
	}
	var msg domain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("undecodable message event", "type", ev.Type, "err", err)
		return
	}

	c.mu.Lock()
	_, seen := c.known[msg.ID]
	hasPending := len(c.pending) > 0
	h := c.handlers

	switch ev.Type {
	case domain.ChangeInsert:
		if seen {
			c.mu.Unlock()
			metrics.EventsDeduped.Inc()
			return
		}
		if msg.SenderID == c.cfg.UserID && hasPending {
			// Our own insert echo raced the RPC response; the send path
			// reconciles it. Mark it known so nothing doubles up.
			c.known[msg.ID] = msg.SenderID
			c.mu.Unlock()
			metrics.EventsDeduped.Inc()
			return
		}
		c.known[msg.ID] = msg.SenderID
		c.mu.Unlock()
		if c.cfg.Bus != nil {
			c.cfg.Bus.Emit(bus.Event{Type: bus.EventMessageNew, Source: "stream",
				Payload: map[string]any{"id": msg.ID, "sender": msg.SenderID, "conversation": msg.ConversationID, "body": msg.Body}})
		}
		if h.OnNewMessage != nil {
			h.OnNewMessage(msg)
		}

	case domain.ChangeUpdate:
		if !seen && hasPending {
			// A row we only hold as a temporary record; the send-path
			// echo will reconcile it. Surfacing it now would double the
			// entry in the message list.
			c.mu.Unlock()
			metrics.EventsDeduped.Inc()
			return
		}
		c.known[msg.ID] = msg.SenderID
		c.mu.Unlock()
		if msg.Tombstone() {
			if c.cfg.Bus != nil {
				c.cfg.Bus.Emit(bus.Event{Type: bus.EventMessageDeleted, Source: "stream", Payload: map[string]any{"id": msg.ID}})
			}
			if h.OnMessageDeleted != nil {
				h.OnMessageDeleted(msg.ID)
			}
			return
		}
		if c.cfg.Bus != nil {
			c.cfg.Bus.Emit(bus.Event{Type: bus.EventMessageUpdated, Source: "stream", Payload: map[string]any{"id": msg.ID}})
		}
		if h.OnMessageUpdated != nil {
			h.OnMessageUpdated(msg.ID, msg)
		}

	case domain.ChangeDelete:
		c.mu.Unlock()
		if c.cfg.Bus != nil {
			c.cfg.Bus.Emit(bus.Event{Type: bus.EventMessageDeleted, Source: "stream", Payload: map[string]any{"id": msg.ID}})
		}
		if h.OnMessageDeleted != nil {
			h.OnMessageDeleted(msg.ID)
		}

	default:
		c.mu.Unlock()
	}
}

func (c *Client) handleReactionEvent(ev domain.ChangeEvent) {
	raw := ev.New
	if ev.Type == domain.ChangeDelete && len(raw) == 0 {
		raw = ev.Old
	}
	var r domain.ReactionEvent
	if err := json.Unmarshal(raw, &r); err != nil {
		c.logger.Warn("undecodable reaction event", "type", ev.Type, "err", err)
		return
	}

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch ev.Type {
	case domain.ChangeInsert:
		if c.cfg.Bus != nil {
			c.cfg.Bus.Emit(bus.Event{Type: bus.EventReactionAdded, Source: "stream",
				Payload: map[string]any{"message_id": r.MessageID, "user_id": r.UserID, "emoji": r.Emoji}})
		}
		if h.OnReactionAdded != nil {
			h.OnReactionAdded(r)
		}
	case domain.ChangeDelete:
		if c.cfg.Bus != nil {
			c.cfg.Bus.Emit(bus.Event{Type: bus.EventReactionRemoved, Source: "stream",
				Payload: map[string]any{"message_id": r.MessageID, "user_id": r.UserID, "emoji": r.Emoji}})
		}
		if h.OnReactionRemoved != nil {
			h.OnReactionRemoved(r)
		}
	}
}

func (c *Client) handleReceiptEvent(ev domain.ChangeEvent) {
	if ev.Type != domain.ChangeInsert {
		return
	}
	var r domain.ReadReceipt
	if err := json.Unmarshal(ev.New, &r); err != nil {
		c.logger.Warn("undecodable read receipt", "err", err)
		return
	}

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	if c.cfg.Bus != nil {
		c.cfg.Bus.Emit(bus.Event{Type: bus.EventReadReceipt, Source: "stream",
			Payload: map[string]any{"message_id": r.MessageID, "user_id": r.UserID}})
	}
	if h.OnReadReceipt != nil {
		h.OnReadReceipt(r)
	}
}

func (c *Client) updateQueueDepth(ctx context.Context) {
	if n, err := c.cfg.Queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(int64(n))
	}
}
