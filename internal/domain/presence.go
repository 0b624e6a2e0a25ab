package domain

import "time"

// PresenceStatus is the self-reported availability of a roster member.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord is the ephemeral state a user announces on a roster
// channel. One record per user per roster key; every heartbeat overwrites
// it with a fresh OnlineAt.
type PresenceRecord struct {
	UserID     string         `json:"user_id"`
	Username   string         `json:"username"`
	AvatarURL  string         `json:"avatar_url,omitempty"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	OnlineAt   time.Time      `json:"online_at"`
}
