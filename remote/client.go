// Package remote implements realtime.Backend against a nexus server: reads and
// writes go over its HTTP API and change notifications over one multiplexed
// websocket that reconnects on its own.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/nexus/realtime"
	"github.com/sony/gobreaker"
)

const (
	DefaultReconnectDelay    = time.Second
	DefaultReconnectAttempts = 10

	// DefaultBreakerFailures consecutive failed requests open the circuit for
	// DefaultBreakerTimeout, during which requests fail without reaching the server.
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 5 * time.Second
)

var (
	// ErrClientClosed is returned by Subscribe after Close.
	ErrClientClosed = errors.New("client closed")
)

// APIError is a non 2xx response of the server.
type APIError struct {
	StatusCode int    `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// Session is an issued token and the profile it belongs to.
type Session struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RegisterInput struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type Client struct {
	baseURL           *url.URL
	http              *http.Client
	dialer            *websocket.Dialer
	logger            *slog.Logger
	reconnectDelay    time.Duration
	reconnectAttempts int
	breakerFailures   int
	breakerTimeout    time.Duration
	breaker           *gobreaker.CircuitBreaker

	mu     sync.Mutex
	token  string
	feed   *feedConn
	closed bool
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithReconnect sets the fixed delay between feed reconnection attempts and how
// many consecutive failed attempts are made before the feed gives up.
func WithReconnect(delay time.Duration, attempts int) Option {
	return func(c *Client) {
		c.reconnectDelay = delay
		c.reconnectAttempts = attempts
	}
}

// WithCircuitBreaker sets how many consecutive failed requests open the circuit
// and how long it stays open. Zero failures disables the breaker.
func WithCircuitBreaker(failures int, timeout time.Duration) Option {
	return func(c *Client) {
		c.breakerFailures = failures
		c.breakerTimeout = timeout
	}
}

// New returns a client of the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:           u,
		http:              http.DefaultClient,
		dialer:            websocket.DefaultDialer,
		logger:            slog.Default(),
		reconnectDelay:    DefaultReconnectDelay,
		reconnectAttempts: DefaultReconnectAttempts,
		breakerFailures:   DefaultBreakerFailures,
		breakerTimeout:    DefaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "remote"))
	if c.breakerFailures > 0 {
		c.breaker = c.newBreaker()
	}
	return c, nil
}

func (c *Client) newBreaker() *gobreaker.CircuitBreaker {
	failures := uint32(c.breakerFailures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        c.baseURL.Host,
		MaxRequests: 1,
		Timeout:     c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// only transport errors and 5xx responses count against the server
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", slog.String("name", name),
				slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends in as the JSON body of the request and decodes the response into out.
// While the circuit is open it fails with realtime.ErrBackendUnavailable.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.breaker == nil {
		return c.roundTrip(ctx, method, path, query, in, out)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, query, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s %s: %w: %w", method, path, realtime.ErrBackendUnavailable, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return fmt.Errorf("NewRequest: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(res.StatusCode)
		}
		apiErr.StatusCode = res.StatusCode
		if res.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", realtime.ErrUnauthenticated, apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Register creates a profile. It does not sign in.
func (c *Client) Register(ctx context.Context, in RegisterInput) (*realtime.Profile, error) {
	var p realtime.Profile
	if err := c.do(ctx, http.MethodPost, "/api/profiles", nil, in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SignIn exchanges credentials for a token that is used by every later request.
func (c *Client) SignIn(ctx context.Context, username, password string) (*Session, error) {
	var s Session
	in := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/signin", nil, in, &s); err != nil {
		return nil, err
	}
	c.SetToken(s.Token)
	return &s, nil
}

// SignOut revokes the token. The server closes the feed of the user.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/auth/signout", nil, nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

func (c *Client) Me(ctx context.Context) (*realtime.Profile, error) {
	var p realtime.Profile
	if err := c.do(ctx, http.MethodGet, "/api/profiles/me", nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListMessages(ctx context.Context, roomID string, q realtime.MessageQuery) ([]realtime.Message, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Since.IsZero() {
		query.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	var messages []realtime.Message
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/messages", query, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) InsertMessage(ctx context.Context, m realtime.NewMessage) error {
	in := map[string]string{"user_id": m.UserID, "content": m.Content}
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(m.RoomID)+"/messages", nil, in, nil)
}

func (c *Client) ListPresence(ctx context.Context, roomID string, status realtime.Status) ([]realtime.PresenceEntry, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", string(status))
	}
	var entries []realtime.PresenceEntry
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/presence", query, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) UpsertPresence(ctx context.Context, roomID, userID string, status realtime.Status) error {
	in := map[string]string{"room_id": roomID, "user_id": userID, "status": string(status)}
	return c.do(ctx, http.MethodPost, "/api/rpc/update_user_presence", nil, in, nil)
}

func (c *Client) GetProfiles(ctx context.Context, ids []string) ([]realtime.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := url.Values{"id": ids}
	var profiles []realtime.Profile
	if err := c.do(ctx, http.MethodGet, "/api/profiles", query, nil, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// Subscribe opens a subscription over the shared feed connection, dialing it
// when needed. The connection is established asynchronously: the subscription
// reports EventSubscribed once the server acknowledged it.
func (c *Client) Subscribe(ctx context.Context, filter realtime.Filter) (realtime.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.feed != nil && !c.feed.stopped() {
		if sub, ok := c.feed.subscribe(filter); ok {
			return sub, nil
		}
	}
	// the previous feed gave up or is shutting down
	c.feed = newFeedConn(c)
	sub, _ := c.feed.subscribe(filter)
	c.feed.start()
	return sub, nil
}

// Close closes the feed connection and every subscription opened over it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	f := c.feed
	c.mu.Unlock()

	if f != nil {
		f.close()
	}
	return nil
}

func (c *Client) feedURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}

var _ realtime.Backend = (*Client)(nil)
