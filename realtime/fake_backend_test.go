package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func at(sec int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC)
}

func msg(id string, sec int) Message {
	return Message{ID: id, RoomID: DefaultRoomID, UserID: "u1", Content: "message " + id, CreatedAt: at(sec)}
}

// fakeBackend is an in-memory Backend. Every hook is optional and replaces the
// default behaviour of the corresponding call.
type fakeBackend struct {
	mu sync.Mutex

	messages []Message
	presence map[string]PresenceEntry
	profiles map[string]Profile

	listMessagesHook func(ctx context.Context, q MessageQuery) ([]Message, error)
	listPresenceHook func(ctx context.Context) ([]PresenceEntry, error)
	getProfilesHook  func(ctx context.Context, ids []string) ([]Profile, error)
	insertErr        error
	upsertErr        error
	subscribeErr     error

	inserts      []NewMessage
	profileCalls [][]string
	upserts      int
	listPresence int

	subs map[Collection][]*fakeSubscription
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		presence: make(map[string]PresenceEntry),
		profiles: map[string]Profile{
			"u1": {ID: "u1", Username: "alice", DisplayName: "Alice"},
			"u2": {ID: "u2", Username: "bob", DisplayName: "Bob"},
		},
		subs: make(map[Collection][]*fakeSubscription),
	}
}

func (b *fakeBackend) ListMessages(ctx context.Context, roomID string, q MessageQuery) ([]Message, error) {
	b.mu.Lock()
	hook := b.listMessagesHook
	msgs := slices.Clone(b.messages)
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, q)
	}
	slices.SortFunc(msgs, compareMessages)
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.RoomID == roomID && !m.CreatedAt.Before(q.Since) {
			out = append(out, m)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		if q.Since.IsZero() {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out, nil
}

func (b *fakeBackend) InsertMessage(ctx context.Context, m NewMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inserts = append(b.inserts, m)
	return b.insertErr
}

func (b *fakeBackend) ListPresence(ctx context.Context, roomID string, status Status) ([]PresenceEntry, error) {
	b.mu.Lock()
	b.listPresence++
	hook := b.listPresenceHook
	rows := make([]PresenceEntry, 0, len(b.presence))
	for _, p := range b.presence {
		if p.RoomID == roomID && p.Status == status {
			rows = append(rows, p)
		}
	}
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	slices.SortFunc(rows, func(a, b PresenceEntry) int { return a.LastSeen.Compare(b.LastSeen) })
	return rows, nil
}

func (b *fakeBackend) UpsertPresence(ctx context.Context, roomID, userID string, status Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts++
	if b.upsertErr != nil {
		return b.upsertErr
	}
	b.presence[userID] = PresenceEntry{UserID: userID, RoomID: roomID, Status: status, LastSeen: time.Now()}
	return nil
}

func (b *fakeBackend) GetProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	b.mu.Lock()
	b.profileCalls = append(b.profileCalls, slices.Clone(ids))
	hook := b.getProfilesHook
	var out []Profile
	for _, id := range ids {
		if p, ok := b.profiles[id]; ok {
			out = append(out, p)
		}
	}
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, ids)
	}
	return out, nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	sub := &fakeSubscription{events: make(chan FeedEvent, 64), done: make(chan struct{})}
	b.subs[filter.Collection] = append(b.subs[filter.Collection], sub)
	return sub, nil
}

func (b *fakeBackend) profileCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.profileCalls)
}

func (b *fakeBackend) upsertCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upserts
}

func (b *fakeBackend) insertCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inserts)
}

func (b *fakeBackend) setPresence(entries ...PresenceEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence = make(map[string]PresenceEntry, len(entries))
	for _, e := range entries {
		b.presence[e.UserID] = e
	}
}

func (b *fakeBackend) subscription(c Collection) *fakeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[c]
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

// waitSubscribed blocks until both collections have a subscription.
func (b *fakeBackend) waitSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.subscription(CollectionMessages) != nil && b.subscription(CollectionPresence) != nil
	}, time.Second, 5*time.Millisecond)
}

func (b *fakeBackend) emit(t *testing.T, c Collection, e FeedEvent) {
	t.Helper()
	sub := b.subscription(c)
	require.NotNil(t, sub, "no subscription to %s", c)
	sub.events <- e
}

func (b *fakeBackend) emitMessage(t *testing.T, m Message) {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	b.emit(t, CollectionMessages, FeedEvent{Kind: EventInsert, Record: raw})
}

type fakeSubscription struct {
	events chan FeedEvent
	once   sync.Once
	done   chan struct{}
	closes int
	mu     sync.Mutex
}

func (s *fakeSubscription) Events() <-chan FeedEvent { return s.events }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSubscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func userIDs(entries []PresenceEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.UserID
	}
	slices.Sort(out)
	return out
}

func online(userID string) PresenceEntry {
	return PresenceEntry{UserID: userID, RoomID: DefaultRoomID, Status: StatusOnline, LastSeen: time.Now()}
}

func wrapDown(call string) error {
	return fmt.Errorf("%s: %w", call, errBackendDown)
}
