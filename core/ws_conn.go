package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/nexus/pkg/feed"
)

// Conn is one feed websocket. It owns the subscriptions opened over it.
type Conn struct {
	conn             *websocket.Conn
	context          context.Context
	userID           string
	id               int
	writeStream      chan *feed.Event
	notifyDisconnect func()
	ticker           *time.Ticker
	logger           *slog.Logger

	mu     sync.Mutex
	subs   map[string]feed.Subscribe
	closed bool
}

// close stops the write loop, which sends a close frame to the peer.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.writeStream)
}

// send queues e without blocking. A connection whose queue is full is dropped.
func (c *Conn) send(e *feed.Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.writeStream <- e:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.logger.Warn("write stream full, dropping connection")
		go c.notifyDisconnect()
		return false
	}
}

func (c *Conn) sendPayload(t string, payload any) {
	e, err := feed.NewEvent(t, payload)
	if err != nil {
		c.logger.Error(err.Error())
		return
	}
	c.send(e)
}

// route delivers change to every subscription of this connection it matches.
func (c *Conn) route(change Change) {
	c.mu.Lock()
	var ids []string
	for id, sub := range c.subs {
		if sub.Collection == change.Collection && sub.RoomID == change.RoomID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.sendPayload(feed.TypeChange, feed.Change{
			Subscription: id,
			Collection:   change.Collection,
			Op:           string(change.Op),
			RoomID:       change.RoomID,
			New:          change.New,
			Old:          change.Old,
		})
	}
}

func (c *Conn) handle(e *feed.Event) {
	switch e.Type {
	case feed.TypeSubscribe:
		var sub feed.Subscribe
		if err := e.Decode(&sub); err != nil {
			c.sendPayload(feed.TypeError, feed.Error{Error: err.Error()})
			return
		}
		if sub.ID == "" || sub.RoomID == "" || !feed.Subscribable(sub.Collection) {
			c.sendPayload(feed.TypeError, feed.Error{ID: sub.ID, Error: "invalid subscription"})
			return
		}
		c.mu.Lock()
		c.subs[sub.ID] = sub
		c.mu.Unlock()
		c.logger.Debug("subscribed", slog.String("subscription", sub.ID),
			slog.String("collection", string(sub.Collection)), slog.String("room_id", sub.RoomID))
		c.sendPayload(feed.TypeSubscribed, feed.Subscribed{ID: sub.ID})
	case feed.TypeUnsubscribe:
		var unsub feed.Unsubscribe
		if err := e.Decode(&unsub); err != nil {
			c.sendPayload(feed.TypeError, feed.Error{Error: err.Error()})
			return
		}
		c.mu.Lock()
		delete(c.subs, unsub.ID)
		c.mu.Unlock()
	default:
		c.sendPayload(feed.TypeError, feed.Error{Error: fmt.Sprintf("unknown event type %q", e.Type)})
	}
}

func (c *Conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.notifyDisconnect()
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Warn(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event feed.Event
		if err := feed.DecodeEvent(r, &event); err != nil {
			c.logger.Warn(err.Error())
			c.sendPayload(feed.TypeError, feed.Error{Error: "malformed frame"})
			continue
		}
		c.logger.Debug(event.String())
		c.handle(&event)
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	defer func() {
		c.ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e, ok := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug(fmt.Sprintf("NextWriter: %v", err))
				return
			}
			if err := feed.EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Debug(fmt.Sprintf("writer close: %v", err))
				return
			}
		case <-c.context.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-c.ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
