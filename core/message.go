package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/putto11262002/nexus/realtime"
)

const (
	// DefaultMessageLimit is used when a read does not set a limit.
	DefaultMessageLimit = 100
	// MaxMessageLimit caps the number of messages returned by one read.
	MaxMessageLimit = 500
)

var (
	// ErrInvalidMessage is returned when a message fails validation.
	ErrInvalidMessage = errors.New("invalid message")
)

// MessageCreateInput represents the input for creating a message.
type MessageCreateInput struct {
	RoomID  string `json:"room_id" validate:"required,uuid"`
	UserID  string `json:"user_id" validate:"required"`
	Content string `json:"content" validate:"required,max=4000"`
}

// Validate validates the message input.
func (m *MessageCreateInput) Validate() error {
	return validate.Struct(m)
}

type MessageStore interface {
	// CreateMessage appends a message to the room and publishes an INSERT change.
	// Content is trimmed first. It returns ErrInvalidMessage when the input is invalid.
	CreateMessage(ctx context.Context, in MessageCreateInput) (*realtime.Message, error)

	// GetRoomMessages returns messages of the room ordered by created_at then id.
	// With a zero q.Since the q.Limit most recent messages are returned, otherwise the
	// first q.Limit messages created at or after q.Since.
	// A limit of zero means DefaultMessageLimit; limits above MaxMessageLimit are capped.
	GetRoomMessages(ctx context.Context, roomID string, q realtime.MessageQuery) ([]realtime.Message, error)
}

type storeOptions struct {
	publisher ChangePublisher
	now       func() time.Time
	logger    *slog.Logger
}

type StoreOption func(*storeOptions)

// WithPublisher sets the publisher that receives the changes committed by a store.
func WithPublisher(p ChangePublisher) StoreOption {
	return func(o *storeOptions) {
		o.publisher = p
	}
}

func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = now
	}
}

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.publisher = publisherOrNop(o.publisher)
	return o
}

func (o storeOptions) publish(collection realtime.Collection, op Operation, roomID string, newRow, oldRow any) {
	change, err := NewChange(collection, op, roomID, newRow, oldRow)
	if err != nil {
		o.logger.Error("NewChange", slog.String("collection", string(collection)), slog.String("error", err.Error()))
		return
	}
	o.publisher.Publish(change)
}
