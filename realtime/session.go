package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type options struct {
	logger            *slog.Logger
	onError           func(error)
	heartbeatInterval time.Duration
	historyLimit      int
	profiles          *ProfileCache
	resume            bool
	onMessages        func([]Message)
	onUsers           func([]PresenceEntry)
	onStateChange     func(Collection, SubscriptionState)
}

// Option configures a ChatSession.
type Option func(*options)

// WithLogger sets the logger of the session and of every store it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithErrorHandler sets the function that receives load failures and
// unrecoverable feed failures. Each failure is reported once.
func WithErrorHandler(f func(error)) Option {
	return func(o *options) {
		o.onError = f
	}
}

// WithHeartbeatInterval sets how often the presence heartbeat is sent.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = d
	}
}

// WithHistoryLimit sets how many recent messages are loaded on join and per resume page.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		o.historyLimit = n
	}
}

// WithProfileCache shares an existing cache instead of creating one per session.
func WithProfileCache(c *ProfileCache) Option {
	return func(o *options) {
		o.profiles = c
	}
}

// WithResume controls whether missed messages are fetched after a reconnect. Enabled by default.
func WithResume(enabled bool) Option {
	return func(o *options) {
		o.resume = enabled
	}
}

// OnMessages registers an observer of the message log. It is called after every
// change, including each appended message.
func OnMessages(f func([]Message)) Option {
	return func(o *options) {
		o.onMessages = f
	}
}

// OnUsers registers an observer of the roster.
func OnUsers(f func([]PresenceEntry)) Option {
	return func(o *options) {
		o.onUsers = f
	}
}

// OnStateChange registers an observer of subscription state transitions.
func OnStateChange(f func(Collection, SubscriptionState)) Option {
	return func(o *options) {
		o.onStateChange = f
	}
}

// ChatSession is the live view of one room for one authenticated user.
// It loads the history and the roster, keeps both in sync through the feed and
// sends the heartbeat until Close.
type ChatSession struct {
	roomID string
	userID string

	profiles *ProfileCache
	messages *MessageStore
	presence *PresenceTracker
	subs     *SubscriptionManager

	onError func(error)
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	loads   sync.WaitGroup
	loading atomic.Bool
	ready   chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewChatSession starts a session for userID in roomID. An empty roomID selects
// DefaultRoomID. It returns ErrUnauthenticated when userID is empty.
// The initial loads and the subscriptions run in the background; Ready is closed
// once both loads were attempted.
func NewChatSession(ctx context.Context, backend Backend, roomID, userID string, opts ...Option) (*ChatSession, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if roomID == "" {
		roomID = DefaultRoomID
	}

	o := options{
		heartbeatInterval: DefaultHeartbeatInterval,
		historyLimit:      DefaultHistoryLimit,
		resume:            true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With(slog.String("room_id", roomID), slog.String("user_id", userID))
	if o.profiles == nil {
		o.profiles = NewProfileCache(backend, logger)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &ChatSession{
		roomID:   roomID,
		userID:   userID,
		profiles: o.profiles,
		messages: NewMessageStore(backend, o.profiles, o.historyLimit, logger),
		presence: NewPresenceTracker(backend, o.profiles, logger),
		onError:  o.onError,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
	}
	s.loading.Store(true)
	if o.onMessages != nil {
		s.messages.OnChange(o.onMessages)
	}
	if o.onUsers != nil {
		s.presence.OnChange(o.onUsers)
	}

	s.subs = NewSubscriptionManager(ctx, backend, s.messages, s.presence, s.profiles, SubscriptionConfig{
		RoomID:            roomID,
		UserID:            userID,
		HeartbeatInterval: o.heartbeatInterval,
		Resume:            o.resume,
		OnError:           s.report,
		OnStateChange:     o.onStateChange,
	}, logger)
	s.subs.Start()
	s.startLoads()

	return s, nil
}

func (s *ChatSession) startLoads() {
	var initial sync.WaitGroup
	initial.Add(2)
	s.loads.Add(3)
	go func() {
		defer s.loads.Done()
		defer initial.Done()
		if _, err := s.messages.LoadHistory(s.ctx, s.roomID); err != nil {
			s.report(err)
		}
	}()
	go func() {
		defer s.loads.Done()
		defer initial.Done()
		if _, err := s.presence.LoadInitial(s.ctx, s.roomID); err != nil {
			s.report(err)
		}
	}()
	go func() {
		defer s.loads.Done()
		initial.Wait()
		s.loading.Store(false)
		close(s.ready)
	}()
}

// RoomID returns the room of the session.
func (s *ChatSession) RoomID() string { return s.roomID }

// UserID returns the acting user.
func (s *ChatSession) UserID() string { return s.userID }

// Messages returns the ordered message log.
func (s *ChatSession) Messages() []Message {
	return s.messages.Messages()
}

// Users returns the online users of the room.
func (s *ChatSession) Users() []PresenceEntry {
	return s.presence.Users()
}

// Loading reports whether the initial loads are still running. Once false it
// stays false, even if a later load fails.
func (s *ChatSession) Loading() bool {
	return s.loading.Load()
}

// Ready is closed when Loading turns false.
func (s *ChatSession) Ready() <-chan struct{} {
	return s.ready
}

// State returns the state of the subscription to c.
func (s *ChatSession) State(c Collection) SubscriptionState {
	return s.subs.State(c)
}

// SendMessage sends text as the acting user. The message is not added to the log
// here; it appears when the feed delivers it.
func (s *ChatSession) SendMessage(ctx context.Context, text string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.messages.Send(ctx, text, s.userID, s.roomID)
}

// Close tears the session down. Results of operations still in flight are
// discarded. It is safe to call more than once.
func (s *ChatSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.messages.close()
		s.presence.close()
		s.cancel()
		s.closeErr = s.subs.Close()
		s.loads.Wait()
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

func (s *ChatSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// report forwards err to the error handler unless the session is closed or err
// is the result of the teardown itself.
func (s *ChatSession) report(err error) {
	if s.isClosed() || errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Warn("session error", slog.String("error", err.Error()))
	if s.onError != nil {
		s.onError(err)
	}
}
