package domain

import (
	"context"
	"time"
)

// FeedStatus is reported by the backend for an open channel.
type FeedStatus string

const (
	FeedSubscribed FeedStatus = "subscribed"
	FeedError      FeedStatus = "error"
	FeedClosed     FeedStatus = "closed"
)

// Subscription is a handle to an open channel. Close tears the channel
// down; it must be safe to call more than once.
type Subscription interface {
	Close() error
}

// Roster is a presence channel handle. Members announce their own state
// with Track and read everyone else's through State.
type Roster interface {
	Subscription
	Track(ctx context.Context, rec PresenceRecord) error
	Untrack(ctx context.Context) error
	// State returns the current roster snapshot keyed by member.
	State() map[string][]PresenceRecord
}

// Backend is the authoritative remote store the sync layer runs against.
// Its transport and durability are owned by the collaborator; this layer
// only consumes the three primitives below (filtered row-change streams,
// presence channels, and mutating calls).
type Backend interface {
	// OpenFeed opens a row-change subscription matching the filters.
	// status fires on channel lifecycle transitions, event on each row
	// change once the channel is subscribed.
	OpenFeed(ctx context.Context, filters []ChangeFilter, status func(FeedStatus, error), event func(ChangeEvent)) (Subscription, error)

	// OpenRoster joins a presence channel under the given key.
	OpenRoster(ctx context.Context, key string, status func(FeedStatus, error)) (Roster, error)

	InsertMessage(ctx context.Context, msg Message) (Message, error)
	UpdateMessage(ctx context.Context, id, body string) (Message, error)
	SoftDeleteMessage(ctx context.Context, id string) (Message, error)

	InsertReaction(ctx context.Context, r ReactionEvent) error
	DeleteReaction(ctx context.Context, r ReactionEvent) error
	InsertReadReceipt(ctx context.Context, r ReadReceipt) error

	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error)

	// TouchLastSeen persists a last-seen timestamp for the user. Callers
	// treat it as best effort.
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
}

// NetworkMonitor reports whether the environment is worth retrying
// against. Offline or backgrounded clients defer reconnects until a
// change signal instead of burning backoff timers.
type NetworkMonitor interface {
	Online() bool
	Foreground() bool
	// Notify returns a channel that receives one signal on the next
	// online/visibility change, then is closed.
	Notify() <-chan struct{}
}
