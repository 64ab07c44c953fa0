package core

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/nexus/realtime"
)

const testRoomID = realtime.DefaultRoomID

var secret = []byte("c2VjcmV0")

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	// every fixture gets its own shared-cache in-memory database
	db, err := sql.Open("sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)

	if err := Migrate(db, os.DirFS("../migrations")); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

// changeRecorder is a ChangePublisher that keeps every change.
type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) Publish(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var alice = ProfileCreateInput{Username: "alice", DisplayName: "Alice", Password: "password1"}
var bob = ProfileCreateInput{Username: "bob", DisplayName: "Bob", Password: "password2"}

func seedProfiles(ctx context.Context, t *testing.T, store ProfileStore, inputs ...ProfileCreateInput) []realtime.Profile {
	t.Helper()
	profiles := make([]realtime.Profile, 0, len(inputs))
	for _, in := range inputs {
		p, err := store.CreateProfile(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		profiles = append(profiles, *p)
	}
	return profiles
}
