package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/nexus/core"
	"github.com/stretchr/testify/require"
)

const testRoomID = "550e8400-e29b-41d4-a716-446655440000"

var baseTimeout = time.Second

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() *Config {
	c := &Config{Port: 8080, Hostname: "127.0.0.1"}
	c.Auth.Secret = []byte("c2VjcmV0")
	c.Auth.TokenExp = time.Hour
	c.SQLite.File = uuid.NewString()
	c.SQLite.Migrations = "../migrations"
	c.SQLite.Mode = "memory"
	c.Presence.SweepInterval = time.Hour
	c.Presence.StaleAfter = time.Hour
	c.AllowedOrigins = []string{"*"}
	return c
}

type AppFixture struct {
	t        *testing.T
	app      *App
	server   *httptest.Server
	tearDown func()
}

func NewAppFixture(t *testing.T, configure ...func(*Config)) *AppFixture {
	logger := testLogger
	config := testConfig()
	for _, fn := range configure {
		fn(config)
	}
	app, err := New(context.Background(), config, logger)
	require.NoError(t, err)
	server := httptest.NewServer(app.Handler())
	return &AppFixture{
		t:      t,
		app:    app,
		server: server,
		tearDown: func() {
			app.Close()
			server.Close()
		},
	}
}

type apiClient struct {
	f     *AppFixture
	token string
}

// do sends body as JSON and decodes a successful response into out.
func (c *apiClient) do(method, path string, body, out any) *http.Response {
	t := c.f.t
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.f.server.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.f.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil && res.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res
}

func (f *AppFixture) anonymous() *apiClient {
	return &apiClient{f: f}
}

// signup registers username and signs it in.
func (f *AppFixture) signup(username string) (*apiClient, core.Session) {
	f.t.Helper()
	c := f.anonymous()
	res := c.do(http.MethodPost, "/api/profiles", core.ProfileCreateInput{
		Username: username, DisplayName: strings.ToUpper(username), Password: "password1",
	}, nil)
	require.Equal(f.t, http.StatusCreated, res.StatusCode)

	var session core.Session
	res = c.do(http.MethodPost, "/api/auth/signin", SigninPayload{Username: username, Password: "password1"}, &session)
	require.Equal(f.t, http.StatusOK, res.StatusCode)
	c.token = session.Token
	return c, session
}

func (c *apiClient) dial() *websocket.Conn {
	t := c.f.t
	t.Helper()
	url := "ws" + strings.TrimPrefix(c.f.server.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}
