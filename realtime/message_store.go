package realtime

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// maxResumePages caps the pages Resume reads after one reconnect.
const maxResumePages = 10

func compareMessages(a, b Message) int {
	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
}

// MessageStore holds the ordered, deduplicated message log of a room.
// The log is only mutated by LoadHistory, Resume and Append; Send never touches it,
// the sent message shows up once the feed delivers its insert.
type MessageStore struct {
	backend  MessageBackend
	profiles *ProfileCache
	limit    int
	log      *collection[Message]
	logger   *slog.Logger
}

func NewMessageStore(backend MessageBackend, profiles *ProfileCache, historyLimit int, logger *slog.Logger) *MessageStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		backend:  backend,
		profiles: profiles,
		limit:    historyLimit,
		log: newCollection(collectionPolicy[Message]{
			key:        func(m Message) string { return m.ID },
			compare:    compareMessages,
			retainLive: true,
		}),
		logger: logger.With(slog.String("component", "message_store")),
	}
}

// OnChange registers f to receive the ordered log after every change.
func (s *MessageStore) OnChange(f func([]Message)) {
	s.log.setOnChange(f)
}

// Messages returns the ordered log.
func (s *MessageStore) Messages() []Message {
	return s.log.snapshot()
}

// LoadHistory replaces the log with the most recent messages of the room, oldest first,
// annotated with their authors. Messages appended while the load was in flight are kept.
// On failure the previous log is left untouched and ErrBackendUnavailable is returned.
func (s *MessageStore) LoadHistory(ctx context.Context, roomID string) ([]Message, error) {
	_, err := s.log.reconcile(ctx, func(ctx context.Context) ([]Message, error) {
		msgs, err := s.backend.ListMessages(ctx, roomID, MessageQuery{Limit: s.limit})
		if err != nil {
			return nil, fmt.Errorf("%w: ListMessages: %w", ErrBackendUnavailable, err)
		}
		return s.annotate(ctx, msgs), nil
	})
	if err != nil {
		return nil, err
	}
	msgs := s.log.snapshot()
	s.logger.Debug("history loaded", slog.String("room_id", roomID), slog.Int("count", len(msgs)))
	return msgs, nil
}

// ResumePoint returns the creation time of the newest message in the log.
// It is zero for an empty log.
func (s *MessageStore) ResumePoint() time.Time {
	newest, ok := s.log.last()
	if !ok {
		return time.Time{}
	}
	return newest.CreatedAt
}

// Resume fetches the messages created at or after since and appends them, one
// page of the history limit at a time. A zero since behaves like a history load.
// When the gap is too long to page through, the rest is logged as lost.
func (s *MessageStore) Resume(ctx context.Context, roomID string, since time.Time) error {
	if since.IsZero() {
		_, err := s.LoadHistory(ctx, roomID)
		return err
	}

	n := 0
	for page := 0; ; page++ {
		if page == maxResumePages {
			s.logger.Warn("resume stopped, older missed messages were not recovered",
				slog.String("room_id", roomID), slog.Time("since", since))
			break
		}
		msgs, err := s.backend.ListMessages(ctx, roomID, MessageQuery{Limit: s.limit, Since: since})
		if err != nil {
			return fmt.Errorf("%w: ListMessages: %w", ErrBackendUnavailable, err)
		}
		for _, m := range s.annotate(ctx, msgs) {
			if s.Append(m) {
				n++
			}
		}
		if len(msgs) < s.limit {
			break
		}
		next := msgs[len(msgs)-1].CreatedAt
		if !next.After(since) {
			s.logger.Warn("resume stopped, a full page shares one timestamp",
				slog.String("room_id", roomID), slog.Time("since", since))
			break
		}
		since = next
	}
	s.logger.Debug("messages resumed", slog.String("room_id", roomID), slog.Int("count", n))
	return nil
}

// Append inserts m at its position in (CreatedAt, ID) order.
// A message whose ID is already present is ignored; Append reports whether m was added.
func (s *MessageStore) Append(m Message) bool {
	return s.log.insert(m)
}

// Send inserts a message into the room. Blank content is rejected locally with
// ErrEmptyMessage. A backend failure is returned as ErrSendRejected.
func (s *MessageStore) Send(ctx context.Context, content, authorID, roomID string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	err := s.backend.InsertMessage(ctx, NewMessage{RoomID: roomID, UserID: authorID, Content: content})
	if err != nil {
		return fmt.Errorf("%w: InsertMessage: %w", ErrSendRejected, err)
	}
	return nil
}

func (s *MessageStore) close() {
	s.log.close()
}

// annotate returns a copy of msgs with author snapshots attached. Unresolved authors stay nil.
func (s *MessageStore) annotate(ctx context.Context, msgs []Message) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	msgs = slices.Clone(msgs)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.UserID)
	}
	profiles, err := s.profiles.Resolve(ctx, ids...)
	if err != nil {
		s.logger.Warn("resolve authors", slog.String("error", err.Error()))
	}
	for i := range msgs {
		msgs[i].Profile = snapshotOf(profiles, msgs[i].UserID)
	}
	return msgs
}
