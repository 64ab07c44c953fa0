package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/nexus/pkg/feed"
	"github.com/putto11262002/nexus/realtime"
)

const (
	writeWait = 10 * time.Second
	// subscriptionBuffer is the number of events a subscription holds before the
	// feed blocks on its consumer.
	subscriptionBuffer = 64
)

// ErrSubscriptionRejected is delivered in EventClosed when the server refuses a subscription.
var ErrSubscriptionRejected = errors.New("subscription rejected")

// feedConn multiplexes every subscription of a Client over one websocket and
// keeps that websocket connected.
type feedConn struct {
	client *Client
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string]*subscription
	nextID   int
	stopping bool
}

func newFeedConn(c *Client) *feedConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &feedConn{
		client: c,
		logger: c.logger.With(slog.String("feed", c.feedURL())),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[string]*subscription),
	}
}

func (f *feedConn) start() {
	go f.run()
}

func (f *feedConn) stopped() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *feedConn) close() {
	f.cancel()
	f.mu.Lock()
	if f.conn != nil {
		f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		f.conn.Close()
	}
	f.mu.Unlock()
	<-f.done
}

func (f *feedConn) run() {
	defer f.cancel()
	defer close(f.done)

	failures := 0
	for {
		conn, err := f.dial()
		if err != nil {
			if f.ctx.Err() != nil {
				f.shutdown(nil)
				return
			}
			failures++
			f.logger.Warn("dial failed", slog.Int("attempt", failures), slog.String("error", err.Error()))
			if errors.Is(err, realtime.ErrUnauthenticated) || failures >= f.client.reconnectAttempts {
				f.shutdown(fmt.Errorf("%w: %w", realtime.ErrBackendUnavailable, err))
				return
			}
			if !f.sleep() {
				f.shutdown(nil)
				return
			}
			continue
		}

		failures = 0
		f.attach(conn)
		err = f.readLoop(conn)
		f.detach()
		conn.Close()
		if f.ctx.Err() != nil {
			f.shutdown(nil)
			return
		}

		f.logger.Warn("connection lost", slog.String("error", err.Error()))
		for _, s := range f.snapshot() {
			s.emit(realtime.FeedEvent{Kind: realtime.EventDisconnected})
		}
		if !f.sleep() {
			f.shutdown(nil)
			return
		}
	}
}

func (f *feedConn) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if token := f.client.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, res, err := f.client.dialer.DialContext(f.ctx, f.client.feedURL(), header)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", realtime.ErrUnauthenticated, err)
		}
		return nil, err
	}
	return conn, nil
}

func (f *feedConn) sleep() bool {
	t := time.NewTimer(f.client.reconnectDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-f.ctx.Done():
		return false
	}
}

// attach makes conn the live connection and subscribes every open subscription on it.
func (f *feedConn) attach(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = conn
	for _, s := range f.subs {
		f.writeLocked(feed.TypeSubscribe, feed.Subscribe{ID: s.id, Collection: s.filter.Collection, RoomID: s.filter.RoomID})
	}
	f.logger.Debug("connected", slog.Int("subscriptions", len(f.subs)))
}

func (f *feedConn) detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = nil
}

// writeLocked sends a frame on the live connection. A failed write surfaces as a
// read error on the same connection.
func (f *feedConn) writeLocked(t string, payload any) {
	if f.conn == nil {
		return
	}
	e, err := feed.NewEvent(t, payload)
	if err != nil {
		f.logger.Error(err.Error())
		return
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := f.conn.WriteJSON(e); err != nil {
		f.logger.Debug("write failed", slog.String("error", err.Error()))
	}
}

func (f *feedConn) readLoop(conn *websocket.Conn) error {
	for {
		var e feed.Event
		if err := conn.ReadJSON(&e); err != nil {
			return err
		}

		switch e.Type {
		case feed.TypeSubscribed:
			var ack feed.Subscribed
			if err := e.Decode(&ack); err != nil {
				f.logger.Warn(err.Error())
				continue
			}
			if s := f.lookup(ack.ID); s != nil {
				s.emit(realtime.FeedEvent{Kind: realtime.EventSubscribed})
			}
		case feed.TypeChange:
			var change feed.Change
			if err := e.Decode(&change); err != nil {
				f.logger.Warn(err.Error())
				continue
			}
			s := f.lookup(change.Subscription)
			if s == nil {
				continue
			}
			fe := realtime.FeedEvent{Record: change.New}
			switch change.Op {
			case "INSERT":
				fe.Kind = realtime.EventInsert
			case "UPDATE":
				fe.Kind = realtime.EventUpdate
			case "DELETE":
				fe.Kind = realtime.EventDelete
				fe.Record = change.Old
			default:
				f.logger.Warn("unknown change op", slog.String("op", change.Op))
				continue
			}
			s.emit(fe)
		case feed.TypeError:
			var ferr feed.Error
			if err := e.Decode(&ferr); err != nil {
				f.logger.Warn(err.Error())
				continue
			}
			f.logger.Warn("server error", slog.String("subscription", ferr.ID), slog.String("error", ferr.Error))
			if s := f.remove(ferr.ID); s != nil {
				s.emit(realtime.FeedEvent{Kind: realtime.EventClosed,
					Err: fmt.Errorf("%w: %s", ErrSubscriptionRejected, ferr.Error)})
			}
		default:
			f.logger.Warn("unexpected frame", slog.String("type", e.Type))
		}
	}
}

// subscribe registers a subscription. It reports false once the feed is shutting
// down, since nothing would be delivered to it.
func (f *feedConn) subscribe(filter realtime.Filter) (*subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping {
		return nil, false
	}
	f.nextID++
	s := &subscription{
		id:     strconv.Itoa(f.nextID),
		filter: filter,
		feed:   f,
		events: make(chan realtime.FeedEvent, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	f.subs[s.id] = s
	f.writeLocked(feed.TypeSubscribe, feed.Subscribe{ID: s.id, Collection: filter.Collection, RoomID: filter.RoomID})
	return s, true
}

func (f *feedConn) unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return
	}
	delete(f.subs, id)
	f.writeLocked(feed.TypeUnsubscribe, feed.Unsubscribe{ID: id})
}

func (f *feedConn) lookup(id string) *subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[id]
}

func (f *feedConn) remove(id string) *subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[id]
	delete(f.subs, id)
	return s
}

func (f *feedConn) snapshot() []*subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	return subs
}

// shutdown drops every subscription. A non nil err is delivered to each in a
// terminal EventClosed.
func (f *feedConn) shutdown(err error) {
	f.mu.Lock()
	f.stopping = true
	subs := make([]*subscription, 0, len(f.subs))
	for id, s := range f.subs {
		subs = append(subs, s)
		delete(f.subs, id)
	}
	f.mu.Unlock()

	if err == nil {
		return
	}
	f.logger.Error("feed closed", slog.String("error", err.Error()))
	for _, s := range subs {
		s.emit(realtime.FeedEvent{Kind: realtime.EventClosed, Err: err})
	}
}

type subscription struct {
	id        string
	filter    realtime.Filter
	feed      *feedConn
	events    chan realtime.FeedEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Events() <-chan realtime.FeedEvent {
	return s.events
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.feed.unsubscribe(s.id)
	})
	return nil
}

// emit blocks until the event is buffered, the subscription is closed or the feed stops.
func (s *subscription) emit(e realtime.FeedEvent) {
	select {
	case s.events <- e:
	case <-s.done:
	case <-s.feed.ctx.Done():
	}
}
