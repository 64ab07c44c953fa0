// Package realtime keeps a client's view of a chat room in sync with the backend:
// an ordered, deduplicated message log, a roster of online participants and the
// change-notification subscriptions and heartbeat that keep both fresh.
//
// The entry point is ChatSession. The lower level components (ProfileCache,
// MessageStore, PresenceTracker, SubscriptionManager) are exported so they can be
// composed differently or tested on their own.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	// DefaultRoomID is the room clients join when none is selected.
	DefaultRoomID = "550e8400-e29b-41d4-a716-446655440000"
	// DefaultHistoryLimit is the number of most recent messages loaded on join.
	DefaultHistoryLimit = 100
	// DefaultHeartbeatInterval is how often the acting user's presence is refreshed.
	DefaultHeartbeatInterval = 30 * time.Second
)

var (
	// ErrBackendUnavailable is returned when a historical load fails or the
	// notification feed cannot be re-established.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrSendRejected is returned when the backend refuses a message insert.
	ErrSendRejected = errors.New("send rejected")
	// ErrSubscriptionInterrupted is reported when the notification feed disconnects.
	ErrSubscriptionInterrupted = errors.New("subscription interrupted")
	// ErrEmptyMessage is returned when a message is blank after trimming.
	ErrEmptyMessage = errors.New("empty message")
	// ErrUnauthenticated is returned when a session is constructed without a user.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Status is the presence status of a user in a room.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Profile is the display metadata of a user.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Snapshot returns the denormalized form attached to messages and presence entries.
func (p Profile) Snapshot() *ProfileSnapshot {
	return &ProfileSnapshot{Username: p.Username, DisplayName: p.DisplayName}
}

// ProfileSnapshot is the author metadata resolved at read time.
// It is never refreshed for already rendered entries.
type ProfileSnapshot struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Message is a chat message in a room.
// Profile is nil when the author could not be resolved.
type Message struct {
	ID        string           `json:"id"`
	RoomID    string           `json:"room_id"`
	UserID    string           `json:"user_id"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
	Profile   *ProfileSnapshot `json:"profile,omitempty"`
}

// PresenceEntry is a user's presence row in a room.
type PresenceEntry struct {
	UserID   string           `json:"user_id"`
	RoomID   string           `json:"room_id"`
	Status   Status           `json:"status"`
	LastSeen time.Time        `json:"last_seen"`
	Profile  *ProfileSnapshot `json:"profile,omitempty"`
}

// NewMessage is the input of a message insert.
type NewMessage struct {
	RoomID  string `json:"room_id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// MessageQuery bounds a ranged message read.
// A zero Since reads the Limit most recent messages; otherwise the first Limit
// messages created at or after Since. Results are always oldest-first.
type MessageQuery struct {
	Limit int
	Since time.Time
}

// MessageBackend is the durable append-only message collection.
type MessageBackend interface {
	ListMessages(ctx context.Context, roomID string, q MessageQuery) ([]Message, error)
	InsertMessage(ctx context.Context, m NewMessage) error
}

// PresenceBackend is the keyed presence collection.
type PresenceBackend interface {
	// ListPresence returns the presence rows of the room with the given status.
	ListPresence(ctx context.Context, roomID string, status Status) ([]PresenceEntry, error)
	// UpsertPresence creates or refreshes the presence row of userID in the room.
	UpsertPresence(ctx context.Context, roomID, userID string, status Status) error
}

// ProfileFetcher reads profiles in batches. Unknown ids are omitted from the result.
type ProfileFetcher interface {
	GetProfiles(ctx context.Context, ids []string) ([]Profile, error)
}

// Collection names a backend collection that can be subscribed to.
type Collection string

const (
	CollectionMessages Collection = "messages"
	CollectionPresence Collection = "user_presence"
)

// Filter scopes a subscription to a collection and room.
type Filter struct {
	Collection Collection
	RoomID     string
}

// EventKind is the kind of a FeedEvent: a row change or a transport status.
type EventKind int

const (
	EventInsert EventKind = iota + 1
	EventUpdate
	EventDelete
	// EventSubscribed is delivered once the subscription is live, and again after every reconnect.
	EventSubscribed
	// EventDisconnected is delivered when the transport loses the connection.
	EventDisconnected
	// EventClosed is terminal: the transport gave up and no more events follow.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	case EventSubscribed:
		return "subscribed"
	case EventDisconnected:
		return "disconnected"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsChange reports whether the event carries a row change.
func (k EventKind) IsChange() bool {
	return k == EventInsert || k == EventUpdate || k == EventDelete
}

// FeedEvent is an event delivered on a subscription.
// Record holds the changed row for change events; Err is set on EventClosed.
type FeedEvent struct {
	Kind   EventKind
	Record json.RawMessage
	Err    error
}

// Subscription is a live, filtered subscription to the change-notification feed.
// Events keeps delivering across reconnects until an EventClosed or Close.
type Subscription interface {
	Events() <-chan FeedEvent
	Close() error
}

// Feed opens subscriptions to the change-notification feed.
type Feed interface {
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// Backend is everything a ChatSession consumes from the backend service.
type Backend interface {
	MessageBackend
	PresenceBackend
	ProfileFetcher
	Feed
}
