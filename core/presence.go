package core

import (
	"context"
	"errors"
	"time"

	"github.com/putto11262002/nexus/realtime"
)

var (
	// ErrInvalidPresence is returned when a presence update fails validation.
	ErrInvalidPresence = errors.New("invalid presence")
)

type PresenceUpdateInput struct {
	RoomID string          `json:"room_id" validate:"required,uuid"`
	UserID string          `json:"user_id" validate:"required"`
	Status realtime.Status `json:"status" validate:"required,oneof=online offline"`
}

func (in *PresenceUpdateInput) Validate() error {
	return validate.Struct(in)
}

type PresenceStore interface {
	// UpsertPresence creates or refreshes the presence row of (user, room) with the
	// current time as last_seen. Repeating the call leaves a single row carrying the
	// latest timestamp. It publishes an INSERT for a new row and an UPDATE otherwise.
	UpsertPresence(ctx context.Context, in PresenceUpdateInput) (*realtime.PresenceEntry, error)

	// GetRoomPresence returns the presence rows of the room. An empty status matches every row.
	GetRoomPresence(ctx context.Context, roomID string, status realtime.Status) ([]realtime.PresenceEntry, error)

	// ExpireStale marks offline every online row whose last_seen is older than
	// staleAfter, publishes an UPDATE for each and returns the expired rows.
	ExpireStale(ctx context.Context, staleAfter time.Duration) ([]realtime.PresenceEntry, error)
}
