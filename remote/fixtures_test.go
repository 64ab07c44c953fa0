package remote

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	nexus "github.com/putto11262002/nexus/app"
	"github.com/putto11262002/nexus/realtime"
	"github.com/stretchr/testify/require"
)

const roomID = realtime.DefaultRoomID

var (
	baseTimeout   = 2 * time.Second
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type ServerFixture struct {
	t        *testing.T
	app      *nexus.App
	server   *httptest.Server
	tearDown func()
}

func NewServerFixture(t *testing.T) *ServerFixture {
	config := &nexus.Config{Port: 8080, Hostname: "127.0.0.1"}
	config.Auth.Secret = []byte("c2VjcmV0")
	config.Auth.TokenExp = time.Hour
	config.SQLite.File = uuid.NewString()
	config.SQLite.Migrations = "../migrations"
	config.SQLite.Mode = "memory"
	config.Presence.SweepInterval = time.Hour
	config.Presence.StaleAfter = time.Hour
	config.AllowedOrigins = []string{"*"}

	app, err := nexus.New(context.Background(), config, discardLogger)
	require.NoError(t, err)
	server := httptest.NewServer(app.Handler())

	return &ServerFixture{
		t:      t,
		app:    app,
		server: server,
		tearDown: func() {
			app.Close()
			server.Close()
		},
	}
}

// client returns a client that reconnects quickly and gives up after three attempts.
func (f *ServerFixture) client(opts ...Option) *Client {
	f.t.Helper()
	opts = append([]Option{WithLogger(discardLogger), WithReconnect(50*time.Millisecond, 3)}, opts...)
	c, err := New(f.server.URL, opts...)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { c.Close() })
	return c
}

// signup registers username and returns a signed in client and the profile id.
func (f *ServerFixture) signup(username string) (*Client, string) {
	f.t.Helper()
	c := f.client()
	ctx := context.Background()
	p, err := c.Register(ctx, RegisterInput{Username: username, DisplayName: username + "!", Password: "password1"})
	require.NoError(f.t, err)
	s, err := c.SignIn(ctx, username, "password1")
	require.NoError(f.t, err)
	require.Equal(f.t, p.ID, s.UserID)
	return c, p.ID
}

// next returns the next event of sub or fails after baseTimeout.
func next(t *testing.T, sub realtime.Subscription) realtime.FeedEvent {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for feed event")
		return realtime.FeedEvent{}
	}
}
