// Package connstate tracks the lifecycle of one backend channel
// (subscribe, active, error, retry) and notifies listeners on every
// transition. Disconnection is modeled as a state change, never as an
// error escaping to the caller.
package connstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/backoff"
	"chatsync/internal/bus"
	"chatsync/internal/domain"
)

// DefaultMaxRetries bounds consecutive failed resubscribe attempts.
const DefaultMaxRetries = 5

// Config wires one Machine.
type Config struct {
	// Name labels the channel in logs and events ("stream:<conv>",
	// "presence:<key>").
	Name string

	// Dial performs the subscribe. It returns once the channel is
	// acknowledged or fails. The machine never calls Dial concurrently
	// with itself.
	Dial func(ctx context.Context) error

	// MaxRetries is the retry ceiling; zero means DefaultMaxRetries.
	MaxRetries int

	Backoff backoff.Policy

	// Monitor gates retries on network/visibility. Optional; when nil the
	// environment is assumed reachable.
	Monitor domain.NetworkMonitor

	// Bus receives a conn.state event for every transition. Optional.
	Bus *bus.EventBus

	Logger *slog.Logger
}

// Machine owns the ConnState for one channel.
type Machine struct {
	cfg   Config
	retry *backoff.Timer

	mu          sync.Mutex
	state       domain.ConnState
	opening     bool // guards re-entrant Open across the dial suspension point
	gen         int  // bumped on Close; stale retries are dropped
	retryTimer  *time.Timer
	listeners   []func(domain.ConnState)
	notifyQueue []notification
	ctx         context.Context
	cancel      context.CancelFunc
}

func New(cfg Config) *Machine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		cfg:   cfg,
		retry: backoff.NewTimer(cfg.Backoff),
		state: domain.StateIdle,
	}
}

// OnChange registers a listener invoked on every state transition.
// Listeners run outside the machine's lock.
func (m *Machine) OnChange(fn func(domain.ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current connection state.
func (m *Machine) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open starts the channel. Re-entrant calls while already subscribing or
// active are no-ops. The first dial runs synchronously; a dial failure
// does not surface as an error but as an Error state with a scheduled
// retry. When the environment is offline or backgrounded the dial is
// skipped entirely and deferred until a monitor signal arrives.
func (m *Machine) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.opening || m.state == domain.StateSubscribing || m.state == domain.StateActive {
		m.mu.Unlock()
		m.cfg.Logger.Debug("open ignored, channel already up", "channel", m.cfg.Name, "state", m.state.String())
		return nil
	}
	m.opening = true
	m.gen++
	gen := m.gen
	m.retry.Reset()
	m.ctx, m.cancel = context.WithCancel(ctx)
	dialCtx := m.ctx

	if m.cfg.Monitor != nil && !reachable(m.cfg.Monitor) {
		// Known-offline or hidden: skip the dial, wait for a signal.
		m.setState(domain.StateSubscribing)
		m.setState(domain.StateError)
		m.opening = false
		m.deferRetryLocked(gen)
		m.mu.Unlock()
		m.cfg.Logger.Warn("environment offline or hidden, deferring subscribe", "channel", m.cfg.Name)
		m.flushNotify()
		return nil
	}

	m.setState(domain.StateSubscribing)
	m.mu.Unlock()
	m.flushNotify()

	m.attempt(dialCtx, gen)
	return nil
}

// Fail reports a server-side channel error or a broken transport while
// the channel was up. It transitions to Error and schedules one retry.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	if m.state != domain.StateActive && m.state != domain.StateSubscribing {
		m.mu.Unlock()
		return
	}
	m.cfg.Logger.Warn("channel failed", "channel", m.cfg.Name, "err", err)
	// Invalidate any dial still in flight; its outcome is stale now.
	m.gen++
	m.setState(domain.StateError)
	m.opening = false
	m.scheduleRetryLocked(m.gen)
	m.mu.Unlock()
	m.flushNotify()
}

// Close tears the channel down. Idempotent and safe mid-subscribe;
// pending retry timers are cleared so no callback outlives the channel.
// The machine stays Closed until the next Open.
func (m *Machine) Close() {
	m.mu.Lock()
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.opening = false
	if m.state == domain.StateClosed {
		m.mu.Unlock()
		return
	}
	m.setState(domain.StateClosed)
	m.mu.Unlock()
	m.flushNotify()
}

// attempt runs one dial and applies the outcome. Never called with the
// lock held.
func (m *Machine) attempt(ctx context.Context, gen int) {
	err := m.cfg.Dial(ctx)

	m.mu.Lock()
	// Only a dial the machine is still waiting on may settle the state.
	// Fail and Close bump gen, so a channel that died mid-dial leaves
	// the Error transition and its armed retry in place.
	if gen != m.gen || m.state != domain.StateSubscribing {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.cfg.Logger.Warn("subscribe failed", "channel", m.cfg.Name, "err", err)
		m.setState(domain.StateError)
		m.opening = false
		m.scheduleRetryLocked(gen)
		m.mu.Unlock()
		m.flushNotify()
		return
	}
	m.retry.Reset()
	m.setState(domain.StateActive)
	m.opening = false
	m.mu.Unlock()
	m.flushNotify()
}

// scheduleRetryLocked arms exactly one retry for the current Error state:
// backoff-timed when the environment is reachable, signal-deferred when
// it is not, none at all once the ceiling is hit.
func (m *Machine) scheduleRetryLocked(gen int) {
	if m.retry.Attempt() >= m.cfg.MaxRetries {
		m.cfg.Logger.Error("retry ceiling reached, giving up", "channel", m.cfg.Name, "attempts", m.retry.Attempt())
		if m.cfg.Bus != nil {
			m.cfg.Bus.EmitAsync(bus.Event{
				Type:    bus.EventConnState,
				Source:  m.cfg.Name,
				Payload: map[string]any{"state": "gave_up", "attempts": m.retry.Attempt()},
			})
		}
		return
	}
	if m.cfg.Monitor != nil && !reachable(m.cfg.Monitor) {
		m.deferRetryLocked(gen)
		return
	}

	delay := m.retry.Next()
	m.cfg.Logger.Info("retry scheduled", "channel", m.cfg.Name, "delay", delay, "attempt", m.retry.Attempt())
	m.retryTimer = time.AfterFunc(delay, func() { m.retryNow(gen) })
}

// deferRetryLocked waits for an online/visibility signal instead of a
// timer. Does not consume a backoff attempt.
func (m *Machine) deferRetryLocked(gen int) {
	ch := m.cfg.Monitor.Notify()
	ctx := m.ctx
	go func() {
		select {
		case <-ch:
			m.retryNow(gen)
		case <-ctx.Done():
		}
	}()
}

func (m *Machine) retryNow(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state != domain.StateError {
		m.mu.Unlock()
		return
	}
	if m.cfg.Monitor != nil && !reachable(m.cfg.Monitor) {
		// Went offline again between the signal and now.
		m.deferRetryLocked(gen)
		m.mu.Unlock()
		return
	}
	m.opening = true
	m.setState(domain.StateSubscribing)
	ctx := m.ctx
	m.mu.Unlock()
	m.flushNotify()

	m.attempt(ctx, gen)
}

// setState records a transition while the lock is held. The event-log
// write and listener calls are queued and run by flushNotify after the
// lock is released, so observers can call back into the machine.
func (m *Machine) setState(s domain.ConnState) {
	from := m.state
	m.state = s
	listeners := make([]func(domain.ConnState), len(m.listeners))
	copy(listeners, m.listeners)
	m.notifyQueue = append(m.notifyQueue, notification{from: from, state: s, listeners: listeners})
}

type notification struct {
	from      domain.ConnState
	state     domain.ConnState
	listeners []func(domain.ConnState)
}

func (m *Machine) flushNotify() {
	m.mu.Lock()
	queue := m.notifyQueue
	m.notifyQueue = nil
	m.mu.Unlock()

	for _, n := range queue {
		m.cfg.Logger.Debug("state transition", "channel", m.cfg.Name, "from", n.from.String(), "to", n.state.String())
		if m.cfg.Bus != nil {
			m.cfg.Bus.Emit(bus.Event{
				Type:    bus.EventConnState,
				Source:  m.cfg.Name,
				Payload: map[string]any{"from": n.from.String(), "to": n.state.String()},
			})
		}
		for _, fn := range n.listeners {
			fn(n.state)
		}
	}
}

func reachable(mon domain.NetworkMonitor) bool {
	return mon.Online() && mon.Foreground()
}
