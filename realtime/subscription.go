package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SubscriptionState is the lifecycle state of one feed subscription.
//
//	Connecting -> Subscribed -> (Disconnected -> Reconnecting -> Subscribed)* -> Closed
type SubscriptionState int

const (
	StateConnecting SubscriptionState = iota
	StateSubscribed
	StateDisconnected
	StateReconnecting
	// StateClosed is terminal and only reached through Close.
	StateClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SubscriptionConfig configures a SubscriptionManager.
type SubscriptionConfig struct {
	RoomID            string
	UserID            string
	HeartbeatInterval time.Duration
	// Resume fetches the messages missed while disconnected after every reconnect.
	Resume bool
	// OnError receives failures the manager cannot recover from.
	OnError func(error)
	// OnStateChange is called on every state transition.
	OnStateChange func(Collection, SubscriptionState)
}

// SubscriptionManager owns the message and presence subscriptions of a session
// and the presence heartbeat. A single dispatch goroutine consumes both event
// streams; row changes are applied in their own goroutines so a slow profile
// lookup or presence read never stalls the other stream.
type SubscriptionManager struct {
	feed     Feed
	messages *MessageStore
	presence *PresenceTracker
	profiles *ProfileCache
	config   SubscriptionConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// owned by the dispatch goroutine: where message resume starts after the
	// first disconnect not yet followed by a reconnect
	resumeFrom    time.Time
	resumePending bool

	mu      sync.Mutex
	states  map[Collection]SubscriptionState
	subs    map[Collection]Subscription
	started bool
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

func NewSubscriptionManager(
	ctx context.Context,
	feed Feed,
	messages *MessageStore,
	presence *PresenceTracker,
	profiles *ProfileCache,
	config SubscriptionConfig,
	logger *slog.Logger,
) *SubscriptionManager {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &SubscriptionManager{
		feed:     feed,
		messages: messages,
		presence: presence,
		profiles: profiles,
		config:   config,
		logger: logger.With(slog.String("component", "subscriptions"),
			slog.String("room_id", config.RoomID)),
		ctx:    ctx,
		cancel: cancel,
		states: map[Collection]SubscriptionState{
			CollectionMessages: StateConnecting,
			CollectionPresence: StateConnecting,
		},
		subs: make(map[Collection]Subscription),
	}
}

// Start sends the first heartbeat, opens both subscriptions and starts dispatching.
// It returns immediately. Calling Start after Close does nothing.
func (m *SubscriptionManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop()
	}()
	go func() {
		defer m.wg.Done()
		m.dispatchLoop()
	}()
}

// State returns the state of the subscription to c.
func (m *SubscriptionManager) State(c Collection) SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[c]
}

// Close cancels the heartbeat, closes both subscriptions and waits for in-flight
// handlers to return. It is safe to call more than once and before Start.
func (m *SubscriptionManager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		subs := make([]Subscription, 0, len(m.subs))
		for _, sub := range m.subs {
			subs = append(subs, sub)
		}
		for c := range m.states {
			m.states[c] = StateClosed
		}
		m.mu.Unlock()

		m.cancel()
		var errs []error
		for _, sub := range subs {
			if err := sub.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		m.wg.Wait()
		m.closeErr = errors.Join(errs...)
		m.logger.Debug("subscriptions closed")
	})
	return m.closeErr
}

func (m *SubscriptionManager) heartbeatLoop() {
	beat := func() {
		err := m.presence.Heartbeat(m.ctx, m.config.RoomID, m.config.UserID)
		if err != nil && m.ctx.Err() == nil {
			m.logger.Warn("heartbeat", slog.String("error", err.Error()))
		}
	}

	beat()
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// open subscribes to c. It returns nil when the subscription could not be opened
// or the manager was closed meanwhile.
func (m *SubscriptionManager) open(c Collection) Subscription {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil
	}
	sub, err := m.feed.Subscribe(m.ctx, Filter{Collection: c, RoomID: m.config.RoomID})
	if err != nil {
		if m.ctx.Err() != nil {
			return nil
		}
		m.setState(c, StateDisconnected)
		m.report(fmt.Errorf("%w: Subscribe(%s): %w", ErrBackendUnavailable, c, err))
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err := sub.Close(); err != nil {
			m.logger.Warn("close late subscription", slog.String("collection", string(c)),
				slog.String("error", err.Error()))
		}
		return nil
	}
	m.subs[c] = sub
	m.mu.Unlock()
	return sub
}

func (m *SubscriptionManager) dispatchLoop() {
	var msgEvents, presenceEvents <-chan FeedEvent
	if sub := m.open(CollectionMessages); sub != nil {
		msgEvents = sub.Events()
	}
	if sub := m.open(CollectionPresence); sub != nil {
		presenceEvents = sub.Events()
	}

	for msgEvents != nil || presenceEvents != nil {
		select {
		case <-m.ctx.Done():
			return
		case e, ok := <-msgEvents:
			if !ok || !m.handle(CollectionMessages, e) {
				msgEvents = nil
			}
		case e, ok := <-presenceEvents:
			if !ok || !m.handle(CollectionPresence, e) {
				presenceEvents = nil
			}
		}
	}
	<-m.ctx.Done()
}

// handle applies one event and reports whether the stream should still be read.
func (m *SubscriptionManager) handle(c Collection, e FeedEvent) bool {
	logger := m.logger.With(slog.String("collection", string(c)))
	switch e.Kind {
	case EventSubscribed:
		prev := m.setState(c, StateSubscribed)
		logger.Debug("subscribed", slog.String("previous", prev.String()))
		if prev == StateReconnecting || prev == StateDisconnected {
			m.recover(c)
		}
	case EventDisconnected:
		if c == CollectionMessages && !m.resumePending {
			m.resumeFrom = m.messages.ResumePoint()
			m.resumePending = true
		}
		m.setState(c, StateDisconnected)
		logger.Warn("feed disconnected, messages sent meanwhile may be missed",
			slog.String("error", ErrSubscriptionInterrupted.Error()))
		m.setState(c, StateReconnecting)
	case EventClosed:
		m.setState(c, StateDisconnected)
		m.report(fmt.Errorf("%w: %s feed: %w", ErrBackendUnavailable, c, e.Err))
		return false
	case EventInsert, EventUpdate, EventDelete:
		switch c {
		case CollectionMessages:
			if e.Kind == EventInsert {
				m.spawn(func() { m.applyMessage(e.Record) })
			}
		case CollectionPresence:
			m.spawn(m.reloadPresence)
		}
	default:
		logger.Warn("unknown feed event", slog.Int("kind", int(e.Kind)))
	}
	return true
}

// recover reconciles c after the feed came back.
func (m *SubscriptionManager) recover(c Collection) {
	switch c {
	case CollectionPresence:
		m.spawn(m.reloadPresence)
	case CollectionMessages:
		since := m.resumeFrom
		if !m.resumePending {
			since = m.messages.ResumePoint()
		}
		m.resumePending = false
		if !m.config.Resume {
			return
		}
		m.spawn(func() {
			if err := m.messages.Resume(m.ctx, m.config.RoomID, since); err != nil && m.ctx.Err() == nil {
				m.logger.Warn("resume messages", slog.String("error", err.Error()))
			}
		})
	}
}

func (m *SubscriptionManager) applyMessage(record []byte) {
	var msg Message
	if err := json.Unmarshal(record, &msg); err != nil {
		m.logger.Warn("malformed message payload", slog.String("error", err.Error()))
		return
	}
	if msg.ID == "" {
		m.logger.Warn("message payload without id")
		return
	}
	if msg.RoomID != "" && msg.RoomID != m.config.RoomID {
		return
	}
	msg.Profile = m.profiles.Snapshot(m.ctx, msg.UserID)
	if m.ctx.Err() != nil {
		return
	}
	m.messages.Append(msg)
}

func (m *SubscriptionManager) reloadPresence() {
	if err := m.presence.Reload(m.ctx, m.config.RoomID); err != nil && m.ctx.Err() == nil {
		m.logger.Warn("reload presence", slog.String("error", err.Error()))
	}
}

// spawn runs f in a goroutine tracked by Close.
func (m *SubscriptionManager) spawn(f func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
}

// setState moves c to s and returns the previous state. Closed is never left.
func (m *SubscriptionManager) setState(c Collection, s SubscriptionState) SubscriptionState {
	m.mu.Lock()
	prev := m.states[c]
	if prev == StateClosed || prev == s {
		m.mu.Unlock()
		return prev
	}
	m.states[c] = s
	m.mu.Unlock()
	if m.config.OnStateChange != nil {
		m.config.OnStateChange(c, s)
	}
	return prev
}

func (m *SubscriptionManager) report(err error) {
	m.logger.Error(err.Error())
	if m.config.OnError != nil {
		m.config.OnError(err)
	}
}
