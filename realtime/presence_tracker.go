package realtime

import (
	"context"
	"fmt"
	"log/slog"
)

// PresenceTracker holds the roster of online users of a room.
// The roster is never patched incrementally: every change notification triggers a
// full re-read, and of several overlapping reads only the latest started one that
// completed is kept.
type PresenceTracker struct {
	backend  PresenceBackend
	profiles *ProfileCache
	roster   *collection[PresenceEntry]
	logger   *slog.Logger
}

func NewPresenceTracker(backend PresenceBackend, profiles *ProfileCache, logger *slog.Logger) *PresenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceTracker{
		backend:  backend,
		profiles: profiles,
		roster: newCollection(collectionPolicy[PresenceEntry]{
			key: func(p PresenceEntry) string { return p.UserID },
		}),
		logger: logger.With(slog.String("component", "presence_tracker")),
	}
}

// OnChange registers f to receive the roster after every change.
func (t *PresenceTracker) OnChange(f func([]PresenceEntry)) {
	t.roster.setOnChange(f)
}

// Users returns the current roster.
func (t *PresenceTracker) Users() []PresenceEntry {
	return t.roster.snapshot()
}

// LoadInitial loads the roster of the room and returns it.
func (t *PresenceTracker) LoadInitial(ctx context.Context, roomID string) ([]PresenceEntry, error) {
	if err := t.Reload(ctx, roomID); err != nil {
		return nil, err
	}
	return t.roster.snapshot(), nil
}

// Reload re-reads the online users of the room and replaces the roster, unless a
// reload started later has already been applied. On failure the roster is kept and
// ErrBackendUnavailable is returned.
func (t *PresenceTracker) Reload(ctx context.Context, roomID string) error {
	applied, err := t.roster.reconcile(ctx, func(ctx context.Context) ([]PresenceEntry, error) {
		rows, err := t.backend.ListPresence(ctx, roomID, StatusOnline)
		if err != nil {
			return nil, fmt.Errorf("%w: ListPresence: %w", ErrBackendUnavailable, err)
		}
		online := make([]PresenceEntry, 0, len(rows))
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			if r.Status != StatusOnline {
				continue
			}
			online = append(online, r)
			ids = append(ids, r.UserID)
		}
		profiles, err := t.profiles.Resolve(ctx, ids...)
		if err != nil {
			t.logger.Warn("resolve presence profiles", slog.String("error", err.Error()))
		}
		for i := range online {
			online[i].Profile = snapshotOf(profiles, online[i].UserID)
		}
		return online, nil
	})
	if err != nil {
		return err
	}
	if !applied {
		t.logger.Debug("stale presence reload discarded", slog.String("room_id", roomID))
	}
	return nil
}

// Heartbeat marks userID online in the room with a fresh last-seen time.
// Repeated calls are equivalent to the most recent one.
func (t *PresenceTracker) Heartbeat(ctx context.Context, roomID, userID string) error {
	if err := t.backend.UpsertPresence(ctx, roomID, userID, StatusOnline); err != nil {
		return fmt.Errorf("UpsertPresence: %w", err)
	}
	return nil
}

func (t *PresenceTracker) close() {
	t.roster.close()
}
