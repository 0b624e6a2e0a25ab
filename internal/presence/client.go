// Package presence keeps the local user tracked on a roster channel and
// derives who is online from the roster snapshot. Heartbeats re-announce
// the record to keep it fresh and to detect half-open channels.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/backoff"
	"chatsync/internal/bus"
	"chatsync/internal/connstate"
	"chatsync/internal/domain"
	"chatsync/internal/metrics"
)

const (
	// DefaultHeartbeat is the re-announce interval.
	DefaultHeartbeat = 30 * time.Second

	// DefaultStaleAfter is how long without a successful heartbeat before
	// callers should fall back to last-seen timestamps for online display.
	DefaultStaleAfter = 120 * time.Second

	// DefaultJoinRetries is the roster join ceiling. Deliberately not
	// unified with the send ceiling.
	DefaultJoinRetries = 5
)

// Config wires one presence Client.
type Config struct {
	Backend domain.Backend
	Monitor domain.NetworkMonitor
	Bus     *bus.EventBus
	Logger  *slog.Logger

	// Heartbeat, StaleAfter and JoinRetries fall back to the package
	// defaults when zero.
	Heartbeat   time.Duration
	StaleAfter  time.Duration
	JoinRetries int

	Backoff backoff.Policy
}

// Client joins a single roster channel at a time.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	joining    bool
	leaving    bool
	channelKey string
	self       domain.PresenceRecord
	machine    *connstate.Machine
	roster     domain.Roster
	hbStop     chan struct{}
	lastBeat   time.Time
}

func New(cfg Config) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.JoinRetries <= 0 {
		cfg.JoinRetries = DefaultJoinRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: cfg.Logger}
}

// Join opens the roster channel and, once it is active, announces self
// with a fresh OnlineAt. Overlapping Join or Leave calls are no-ops, not
// races. Connection loss is a state transition, never an error from
// here; only a refusal to even start (already joined, mid-leave) or a
// hard dial rejection surfaces.
func (c *Client) Join(ctx context.Context, channelKey string, self domain.PresenceRecord) error {
	c.mu.Lock()
	if c.joining || c.leaving {
		c.mu.Unlock()
		c.logger.Warn("join ignored, lifecycle call in flight", "channel", channelKey)
		return nil
	}
	if c.machine != nil {
		c.mu.Unlock()
		c.logger.Warn("join ignored, already joined", "channel", c.channelKey)
		return nil
	}
	c.joining = true
	c.channelKey = channelKey
	c.self = self
	m := connstate.New(connstate.Config{
		Name:       "presence:" + channelKey,
		Dial:       c.dial,
		MaxRetries: c.cfg.JoinRetries,
		Backoff:    c.cfg.Backoff,
		Monitor:    c.cfg.Monitor,
		Bus:        c.cfg.Bus,
		Logger:     c.logger,
	})
	c.machine = m
	c.mu.Unlock()

	m.OnChange(c.onStateChange)
	err := m.Open(ctx)

	c.mu.Lock()
	c.joining = false
	c.mu.Unlock()
	return err
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	key := c.channelKey
	old := c.roster
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	roster, err := c.cfg.Backend.OpenRoster(ctx, key, c.onRosterStatus)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.roster = roster
	c.mu.Unlock()
	return nil
}

func (c *Client) onRosterStatus(status domain.FeedStatus, err error) {
	switch status {
	case domain.FeedError, domain.FeedClosed:
		c.mu.Lock()
		m := c.machine
		c.mu.Unlock()
		if m != nil {
			m.Fail(err)
		}
	}
}

func (c *Client) onStateChange(s domain.ConnState) {
	if s == domain.StateActive {
		if c.cfg.Bus != nil {
			c.mu.Lock()
			key, user := c.channelKey, c.self.UserID
			c.mu.Unlock()
			c.cfg.Bus.EmitAsync(bus.Event{Type: bus.EventPresenceJoined, Source: "presence",
				Payload: map[string]any{"channel": key, "user": user}})
		}
		c.startHeartbeat()
		return
	}
	c.stopHeartbeat()
}

// startHeartbeat announces immediately, then re-announces on the
// interval until stopped. A failed re-announce means the channel is
// half-open; the state machine takes over and schedules the reconnect.
func (c *Client) startHeartbeat() {
	c.mu.Lock()
	if c.hbStop != nil {
		close(c.hbStop)
	}
	stop := make(chan struct{})
	c.hbStop = stop
	c.mu.Unlock()

	go func() {
		if !c.beat() {
			return
		}
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.beat() {
					return
				}
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.mu.Unlock()
}

// beat re-tracks self with a fresh OnlineAt. Returns false when the
// channel is degraded and the heartbeat loop should stand down.
func (c *Client) beat() bool {
	c.mu.Lock()
	roster := c.roster
	m := c.machine
	rec := c.self
	key := c.channelKey
	c.mu.Unlock()
	if roster == nil || m == nil {
		return false
	}

	rec.Status = domain.StatusOnline
	rec.OnlineAt = time.Now()
	if err := roster.Track(context.Background(), rec); err != nil {
		c.logger.Warn("heartbeat track failed, channel degraded", "channel", key, "err", err)
		if c.cfg.Bus != nil {
			c.cfg.Bus.EmitAsync(bus.Event{Type: bus.EventPresenceStale, Source: "presence",
				Payload: map[string]any{"channel": key, "err": err.Error()}})
		}
		metrics.StaleTransitions.Inc()
		m.Fail(err)
		return false
	}

	c.mu.Lock()
	c.self = rec
	c.lastBeat = rec.OnlineAt
	c.mu.Unlock()

	metrics.HeartbeatsTotal.Inc()
	if c.cfg.Bus != nil {
		c.cfg.Bus.EmitAsync(bus.Event{Type: bus.EventPresenceHeartbeat, Source: "presence",
			Payload: map[string]any{"channel": key, "user": rec.UserID}})
	}
	return true
}

// IsStale reports whether the roster snapshot can no longer be trusted
// for online display. True before the first heartbeat and whenever the
// last successful one is older than StaleAfter.
func (c *Client) IsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastBeat.IsZero() {
		return true
	}
	return time.Since(c.lastBeat) >= c.cfg.StaleAfter
}

// Leave untracks self, tears the channel down and persists a last-seen
// timestamp as a courtesy. It never fails: component teardown must not
// be blocked, so every cleanup error is logged and swallowed. Idempotent.
func (c *Client) Leave(ctx context.Context) {
	c.mu.Lock()
	if c.leaving || c.machine == nil {
		c.mu.Unlock()
		return
	}
	c.leaving = true
	m := c.machine
	roster := c.roster
	self := c.self
	key := c.channelKey
	c.machine = nil
	c.roster = nil
	c.lastBeat = time.Time{}
	c.mu.Unlock()

	c.stopHeartbeat()
	m.Close()

	if roster != nil {
		if err := roster.Untrack(ctx); err != nil {
			c.logger.Debug("untrack on leave", "err", err)
		}
		if err := roster.Close(); err != nil {
			c.logger.Debug("roster close on leave", "err", err)
		}
	}
	if self.UserID != "" {
		if err := c.cfg.Backend.TouchLastSeen(ctx, self.UserID, time.Now()); err != nil {
			c.logger.Debug("last-seen write on leave", "err", err)
		}
	}
	if c.cfg.Bus != nil {
		c.cfg.Bus.EmitAsync(bus.Event{Type: bus.EventPresenceLeft, Source: "presence",
			Payload: map[string]any{"channel": key, "user": self.UserID}})
	}

	c.mu.Lock()
	c.leaving = false
	c.mu.Unlock()
}

// OnlineUsers flattens the roster snapshot across all keys.
func (c *Client) OnlineUsers() []domain.PresenceRecord {
	c.mu.Lock()
	roster := c.roster
	c.mu.Unlock()
	if roster == nil {
		return nil
	}

	var out []domain.PresenceRecord
	for _, recs := range roster.State() {
		out = append(out, recs...)
	}
	metrics.OnlineUsers.Set(int64(len(out)))
	return out
}

// IsUserOnline is a lookup over the derived snapshot.
func (c *Client) IsUserOnline(userID string) bool {
	for _, rec := range c.OnlineUsers() {
		if rec.UserID == userID {
			return true
		}
	}
	return false
}

// State returns the roster channel state, StateIdle before Join.
func (c *Client) State() domain.ConnState {
	c.mu.Lock()
	m := c.machine
	c.mu.Unlock()
	if m == nil {
		return domain.StateIdle
	}
	return m.State()
}
