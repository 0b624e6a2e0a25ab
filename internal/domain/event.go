package domain

import "encoding/json"

// ConnState is the lifecycle state of one subscription channel. It is
// owned by the connection state machine; everything else observes it
// through callbacks.
type ConnState int

const (
	StateIdle ConnState = iota
	StateSubscribing
	StateActive
	StateError
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChangeType classifies a row-change event.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Tables carrying row-change events the stream client subscribes to.
const (
	TableMessages     = "messages"
	TableReactions    = "reactions"
	TableReadReceipts = "read_receipts"
)

// ChangeEvent is a backend-pushed notification that a row matching the
// subscription filter was inserted, updated, or deleted. Old and New are
// raw rows; whichever side the event type implies may be nil.
type ChangeEvent struct {
	Type  ChangeType      `json:"type"`
	Table string          `json:"table"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// ChangeFilter scopes a row-change subscription to one conversation.
type ChangeFilter struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Value  string `json:"value"`
}
