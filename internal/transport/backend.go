// Package transport defines the backend port of the chat client and the
// wire format shared by its adapters.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Transport errors.
var (
	// ErrSubscriptionClosed signals a dropped change stream. The session
	// resubscribes after a backoff.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrRoomNotFound is returned for unknown room ids.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists is returned when creating a room id twice.
	ErrRoomExists = errors.New("room already exists")
	// ErrBadPassword is returned when a room password does not match.
	ErrBadPassword = errors.New("wrong room password")
	// ErrParticipantNotFound is returned for unknown participant ids.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrClosed is returned by a backend after Close.
	ErrClosed = errors.New("backend closed")
)

// Backend is everything the engine needs from storage and push delivery.
type Backend interface {
	// Join creates or refreshes the participant bound to req.SessionToken.
	Join(ctx context.Context, req models.JoinRequest) (models.Participant, error)

	// FetchPage returns up to limit messages of room created strictly before
	// before, newest first. A zero before means the newest page.
	FetchPage(ctx context.Context, room models.RoomKey, before time.Time, limit int) ([]models.Message, error)

	// InsertMessage stores msg. The backend assigns ID and CreatedAt and
	// returns the confirmed record.
	InsertMessage(ctx context.Context, msg models.Message) (models.Message, error)

	// Subscribe starts the change stream for room. The channel is closed
	// when the stream drops or cancel is called.
	Subscribe(ctx context.Context, room models.RoomKey) (<-chan RawEvent, func(), error)

	// ReportPresence refreshes the participant's liveness timestamp.
	ReportPresence(ctx context.Context, participantID string, room models.RoomKey) error

	// FetchOnlineParticipants lists participants of room seen after since.
	FetchOnlineParticipants(ctx context.Context, room models.RoomKey, since time.Time) ([]models.Participant, error)

	// WriteParticipantAttribute stores the participant's theme.
	WriteParticipantAttribute(ctx context.Context, participantID string, themeID string) error

	Close() error
}

// Authorizer guards password protected rooms.
type Authorizer interface {
	CreateRoom(ctx context.Context, id models.RoomKey, password string) (models.Room, error)
	VerifyRoom(ctx context.Context, id models.RoomKey, password string) error
}
