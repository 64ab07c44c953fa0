package core

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/putto11262002/nexus/realtime"
)

type SQLiteMessageStore struct {
	db *sql.DB
	storeOptions
}

func NewSQLiteMessageStore(db *sql.DB, opts ...StoreOption) *SQLiteMessageStore {
	return &SQLiteMessageStore{
		db:           db,
		storeOptions: newStoreOptions(opts),
	}
}

func (s *SQLiteMessageStore) CreateMessage(ctx context.Context, in MessageCreateInput) (*realtime.Message, error) {
	in.Content = strings.TrimSpace(in.Content)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, ValidationMessage(err))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("uuid.NewV7: %w", err)
	}
	msg := &realtime.Message{
		ID:        id.String(),
		RoomID:    in.RoomID,
		UserID:    in.UserID,
		Content:   in.Content,
		CreatedAt: s.now().UTC(),
	}

	query := `
	INSERT INTO messages (id, room_id, user_id, content, created_at)
	VALUES (@id, @room_id, @user_id, @content, @created_at)`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("id", msg.ID), sql.Named("room_id", msg.RoomID),
		sql.Named("user_id", msg.UserID), sql.Named("content", msg.Content),
		sql.Named("created_at", msg.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("ExecContext: %w", err)
	}

	s.publish(realtime.CollectionMessages, OpInsert, msg.RoomID, msg, nil)

	return msg, nil
}

func (s *SQLiteMessageStore) GetRoomMessages(ctx context.Context, roomID string, q realtime.MessageQuery) ([]realtime.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	limit = min(limit, MaxMessageLimit)

	var (
		query string
		args  = []any{sql.Named("room_id", roomID), sql.Named("limit", limit)}
	)
	if q.Since.IsZero() {
		query = `
		SELECT id, room_id, user_id, content, created_at FROM messages
		WHERE room_id = @room_id
		ORDER BY created_at DESC, id DESC LIMIT @limit`
	} else {
		query = `
		SELECT id, room_id, user_id, content, created_at FROM messages
		WHERE room_id = @room_id AND created_at >= @since
		ORDER BY created_at, id LIMIT @limit`
		args = append(args, sql.Named("since", q.Since.UTC()))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	messages := []realtime.Message{}
	for rows.Next() {
		var m realtime.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	if q.Since.IsZero() {
		slices.Reverse(messages)
	}
	return messages, nil
}
