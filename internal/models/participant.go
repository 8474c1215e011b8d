package models

import (
	"strings"
	"time"
)

// Participant is a member of a room as seen by the backend.
type Participant struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	SessionToken string    `json:"session_token"`
	Theme        string    `json:"theme,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	Room         RoomKey   `json:"room,omitempty"`
}

// Validate checks the fields the engine relies on.
func (p Participant) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(p.ID) == "" {
		errs.Add("id", ErrMissingID)
	}
	if !p.Role.Valid() {
		errs.AddMessage("role", "must be owner or guest")
	}
	return errs.Err()
}

// OnlineAt reports whether the participant was seen within window of now.
func (p Participant) OnlineAt(now time.Time, window time.Duration) bool {
	if p.LastSeen.IsZero() {
		return false
	}
	return now.Sub(p.LastSeen) <= window
}

// JoinRequest registers or refreshes the local participant.
type JoinRequest struct {
	SessionToken string
	Role         Role
	Room         RoomKey
	// Theme is the locally cached theme, sent so a fresh record starts in sync.
	Theme string
}

// Room is a password protected partition.
type Room struct {
	ID           string    `json:"id"`
	SecretDigest string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
