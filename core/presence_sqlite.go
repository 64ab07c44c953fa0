package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/putto11262002/nexus/realtime"
)

type SQLitePresenceStore struct {
	db *sql.DB
	storeOptions
}

func NewSQLitePresenceStore(db *sql.DB, opts ...StoreOption) *SQLitePresenceStore {
	return &SQLitePresenceStore{
		db:           db,
		storeOptions: newStoreOptions(opts),
	}
}

func (s *SQLitePresenceStore) UpsertPresence(ctx context.Context, in PresenceUpdateInput) (*realtime.PresenceEntry, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPresence, ValidationMessage(err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	var old *realtime.PresenceEntry
	row := tx.QueryRowContext(ctx, `
	SELECT user_id, room_id, status, last_seen FROM user_presence
	WHERE user_id = @user_id AND room_id = @room_id`,
		sql.Named("user_id", in.UserID), sql.Named("room_id", in.RoomID))
	var prev realtime.PresenceEntry
	switch err := row.Scan(&prev.UserID, &prev.RoomID, &prev.Status, &prev.LastSeen); {
	case err == nil:
		old = &prev
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("row.Scan: %w", err)
	}

	entry := &realtime.PresenceEntry{
		UserID:   in.UserID,
		RoomID:   in.RoomID,
		Status:   in.Status,
		LastSeen: s.now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO user_presence (user_id, room_id, status, last_seen)
	VALUES (@user_id, @room_id, @status, @last_seen)
	ON CONFLICT (user_id, room_id) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen`,
		sql.Named("user_id", entry.UserID), sql.Named("room_id", entry.RoomID),
		sql.Named("status", string(entry.Status)), sql.Named("last_seen", entry.LastSeen))
	if err != nil {
		return nil, fmt.Errorf("ExecContext: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	if old == nil {
		s.publish(realtime.CollectionPresence, OpInsert, entry.RoomID, entry, nil)
	} else {
		s.publish(realtime.CollectionPresence, OpUpdate, entry.RoomID, entry, old)
	}
	return entry, nil
}

func (s *SQLitePresenceStore) GetRoomPresence(ctx context.Context, roomID string, status realtime.Status) ([]realtime.PresenceEntry, error) {
	query := `
	SELECT user_id, room_id, status, last_seen FROM user_presence
	WHERE room_id = @room_id AND (@status = '' OR status = @status)
	ORDER BY last_seen DESC, user_id`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("room_id", roomID), sql.Named("status", string(status)))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()
	return scanPresence(rows)
}

func (s *SQLitePresenceStore) ExpireStale(ctx context.Context, staleAfter time.Duration) ([]realtime.PresenceEntry, error) {
	cutoff := s.now().UTC().Add(-staleAfter)
	query := `
	UPDATE user_presence SET status = @offline
	WHERE status = @online AND last_seen < @cutoff
	RETURNING user_id, room_id, status, last_seen`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("offline", string(realtime.StatusOffline)), sql.Named("online", string(realtime.StatusOnline)),
		sql.Named("cutoff", cutoff))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	expired, err := scanPresence(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, e := range expired {
		old := e
		old.Status = realtime.StatusOnline
		s.publish(realtime.CollectionPresence, OpUpdate, e.RoomID, e, old)
	}
	return expired, nil
}

func scanPresence(rows *sql.Rows) ([]realtime.PresenceEntry, error) {
	entries := []realtime.PresenceEntry{}
	for rows.Next() {
		var e realtime.PresenceEntry
		if err := rows.Scan(&e.UserID, &e.RoomID, &e.Status, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return entries, nil
}

// PresenceSweeper periodically expires stale presence rows, which is how users
// that stopped sending heartbeats leave a room.
type PresenceSweeper struct {
	store      PresenceStore
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewPresenceSweeper(store PresenceStore, interval, staleAfter time.Duration, logger *slog.Logger) *PresenceSweeper {
	return &PresenceSweeper{
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("component", "presence_sweeper")),
	}
}

// Run sweeps every interval until ctx is done.
func (s *PresenceSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := s.store.ExpireStale(ctx, s.staleAfter)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("ExpireStale", slog.String("error", err.Error()))
				continue
			}
			if len(expired) > 0 {
				s.logger.Info("presence expired", slog.Int("count", len(expired)))
			}
		}
	}
}
