// Package notify relays new-message events to a caller-provided sink,
// filtered by mute and keyword rules. The relay is an explicitly
// constructed instance with an Init/Dispose lifecycle; nothing in this
// package is global.
package notify

import (
	"log/slog"
	"sync"

	"chatsync/internal/bus"
)

// Notifier delivers one rendered notification. The caller injects the
// sink (desktop toast, log line, webhook).
type Notifier func(title, body string) error

// Config wires one Relay.
type Config struct {
	Bus    *bus.EventBus
	Rules  Rules
	Notify Notifier
	Logger *slog.Logger
}

// Relay subscribes to message events between Init and Dispose.
type Relay struct {
	bus    *bus.EventBus
	rules  Rules
	notify Notifier
	logger *slog.Logger

	mu     sync.Mutex
	userID string
	subID  string
}

func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		bus:    cfg.Bus,
		rules:  cfg.Rules,
		notify: cfg.Notify,
		logger: cfg.Logger,
	}
}

// Init starts relaying for the given user. The user's own messages are
// never notified. Calling Init on an already initialized relay is a
// no-op.
func (r *Relay) Init(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subID != "" {
		r.logger.Warn("relay init ignored, already initialized", "user", r.userID)
		return
	}
	r.userID = userID
	r.subID = r.bus.On(bus.EventMessageNew, r.onMessage)
	r.logger.Info("notification relay started", "user", userID)
}

// Dispose stops relaying. Idempotent, never fails; safe from teardown
// paths.
func (r *Relay) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subID == "" {
		return
	}
	r.bus.Off(bus.EventMessageNew, r.subID)
	r.subID = ""
	r.logger.Info("notification relay stopped", "user", r.userID)
}

func (r *Relay) onMessage(ev bus.Event) {
	payload := ev.Payload
	if payload == nil {
		return
	}
	sender, _ := payload["sender"].(string)
	conversation, _ := payload["conversation"].(string)
	body, _ := payload["body"].(string)

	r.mu.Lock()
	self := r.userID
	r.mu.Unlock()

	if sender == self {
		return
	}
	if r.rules.Muted(conversation, sender) {
		return
	}

	title := "New message"
	if r.rules.Highlight(body) {
		title = "Mention"
	}
	if r.notify == nil {
		return
	}
	if err := r.notify(title, body); err != nil {
		r.logger.Warn("notification delivery failed", "conversation", conversation, "err", err)
	}
}
