package domain

import (
	"strings"
	"time"
)

// TempIDPrefix marks client-generated identifiers that have not been
// confirmed by the backend yet.
const TempIDPrefix = "temp-"

// Message is the in-memory representation of one conversation message.
// A message with a temporary ID exists only locally; it is replaced in
// place once the backend echoes the canonical row.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Body           string            `json:"body"`
	SourceLang     string            `json:"source_lang,omitempty"`
	Translations   map[string]string `json:"translations,omitempty"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	EditedAt       *time.Time        `json:"edited_at,omitempty"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
}

// IsTemp reports whether the message still carries a client-generated ID.
func (m Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Tombstone reports whether the message was soft-deleted. Tombstones keep
// all fields but render as deleted.
func (m Message) Tombstone() bool {
	return m.DeletedAt != nil
}

// QueuedSend is one unacknowledged outbound message in the durable queue.
type QueuedSend struct {
	TempID     string    `json:"temp_id"`
	Payload    Message   `json:"payload"`
	Retries    int       `json:"retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ReactionEvent records an emoji added to or removed from a message.
// Reactions are append-only; removal is its own event, not a mutation.
type ReactionEvent struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
