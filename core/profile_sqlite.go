package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/putto11262002/nexus/realtime"
	"golang.org/x/crypto/bcrypt"
)

type SQLiteProfileStore struct {
	db *sql.DB
}

func NewSQLiteProfileStore(db *sql.DB) *SQLiteProfileStore {
	return &SQLiteProfileStore{
		db: db,
	}
}

func (s *SQLiteProfileStore) CreateProfile(ctx context.Context, in ProfileCreateInput) (*realtime.Profile, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProfile, ValidationMessage(err))
	}

	existing, err := s.GetProfileByUsername(ctx, in.Username)
	if err != nil {
		return nil, fmt.Errorf("GetProfileByUsername: %w", err)
	}
	if existing != nil {
		return nil, ErrConflictedProfile
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("bcrypt.GenerateFromPassword: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("uuid.NewV7: %w", err)
	}
	profile := &realtime.Profile{ID: id.String(), Username: in.Username, DisplayName: in.DisplayName}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, username, display_name, password, created_at)
		VALUES (@id, @username, @display_name, @password, @created_at)`,
		sql.Named("id", profile.ID), sql.Named("username", profile.Username),
		sql.Named("display_name", profile.DisplayName), sql.Named("password", string(hashed)),
		sql.Named("created_at", time.Now().UTC()))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrConflictedProfile
		}
		return nil, fmt.Errorf("ExecContext: %w", err)
	}

	return profile, nil
}

func (s *SQLiteProfileStore) GetProfileByID(ctx context.Context, id string) (*realtime.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name FROM profiles WHERE id = ? LIMIT 1", id)
	return scanProfile(row)
}

func (s *SQLiteProfileStore) GetProfileByUsername(ctx context.Context, username string) (*realtime.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name FROM profiles WHERE username = ? LIMIT 1", username)
	return scanProfile(row)
}

func scanProfile(row *sql.Row) (*realtime.Profile, error) {
	p := new(realtime.Profile)
	if err := row.Scan(&p.ID, &p.Username, &p.DisplayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	return p, nil
}

func (s *SQLiteProfileStore) GetProfiles(ctx context.Context, ids ...string) ([]realtime.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	values := make([]any, 0, len(ids))
	for _, id := range ids {
		values = append(values, id)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, display_name FROM profiles WHERE id IN ("+strings.Repeat("?,", len(ids)-1)+"?) ORDER BY username",
		values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var profiles []realtime.Profile
	for rows.Next() {
		var p realtime.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.DisplayName); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	return profiles, nil
}

func (s *SQLiteProfileStore) ComparePassword(ctx context.Context, username, password string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT password FROM profiles WHERE username = ? LIMIT 1", username)

	var stored string
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("row.Scan: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
		return false, nil
	}

	return true, nil
}
