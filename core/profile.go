package core

import (
	"context"
	"errors"

	"github.com/putto11262002/nexus/realtime"
)

var (
	// ErrConflictedProfile is returned when the username is already taken.
	ErrConflictedProfile = errors.New("profile already exists")
	// ErrInvalidProfile is returned when a profile input fails validation.
	ErrInvalidProfile = errors.New("invalid profile")
)

type ProfileCreateInput struct {
	Username    string `json:"username" validate:"required,alphanum,min=3,max=32"`
	DisplayName string `json:"display_name" validate:"required,max=64"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
}

func (in *ProfileCreateInput) Validate() error {
	return validate.Struct(in)
}

type ProfileStore interface {
	// CreateProfile stores a new profile with a hashed password.
	// It returns ErrInvalidProfile when the input is invalid and ErrConflictedProfile
	// when the username is taken.
	CreateProfile(ctx context.Context, in ProfileCreateInput) (*realtime.Profile, error)

	// GetProfileByID returns nil when the profile does not exist.
	GetProfileByID(ctx context.Context, id string) (*realtime.Profile, error)

	// GetProfileByUsername returns nil when the profile does not exist.
	GetProfileByUsername(ctx context.Context, username string) (*realtime.Profile, error)

	// GetProfiles returns the profiles whose id is in ids. Unknown ids are omitted.
	GetProfiles(ctx context.Context, ids ...string) ([]realtime.Profile, error)

	// ComparePassword reports whether password matches the stored hash of username.
	ComparePassword(ctx context.Context, username, password string) (bool, error)
}
