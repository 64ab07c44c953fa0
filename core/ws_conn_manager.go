package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/nexus/pkg/feed"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Delegate the check to CORS middleware
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ConnManager tracks the feed connections and routes every published change to
// the subscriptions that match it. It implements ChangePublisher.
type ConnManager struct {
	conns   map[int]*Conn
	nextID  int
	closed  bool
	mu      sync.RWMutex
	connWg  sync.WaitGroup
	context context.Context
	logger  *slog.Logger

	upgrader        websocket.Upgrader
	WriteStreamSize int
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithWriteStreamSize(n int) ManagerOption {
	return func(m *ConnManager) {
		m.WriteStreamSize = n
	}
}

func NewConnManager(ctx context.Context, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		conns:           make(map[int]*Conn),
		logger:          logger.With(slog.String("component", "feed")),
		context:         ctx,
		upgrader:        defaultUpgrader,
		WriteStreamSize: 256,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Connect upgrades the request and serves the feed to the session's user until
// either side closes the connection.
func (m *ConnManager) Connect(session Session, w http.ResponseWriter, r *http.Request) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return fmt.Errorf("connection manager closed")
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.nextID++
	id := m.nextID
	wsConn := &Conn{
		userID:      session.UserID,
		id:          id,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *feed.Event, m.WriteStreamSize),
		ticker:      time.NewTicker(pingPeriod),
		subs:        make(map[string]feed.Subscribe),
		logger: m.logger.With(slog.String("connection", fmt.Sprintf("%s:%d", session.UserID, id))),
		notifyDisconnect: func() {
			m.remove(id)
		},
	}
	m.conns[id] = wsConn
	m.connWg.Add(2)
	m.mu.Unlock()

	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	m.logger.Debug("connection opened", slog.String("user_id", session.UserID), slog.Int("id", id))
	return nil
}

func (m *ConnManager) remove(id int) {
	m.mu.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	m.logger.Debug("connection closed", slog.String("user_id", c.userID), slog.Int("id", id))
}

// Publish routes change to every matching subscription. It never blocks.
func (m *ConnManager) Publish(change Change) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.route(change)
	}
}

// Disconnect closes every connection of userID and returns how many were closed.
func (m *ConnManager) Disconnect(userID string) int {
	m.mu.RLock()
	var ids []int
	for id, c := range m.conns {
		if c.userID == userID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.remove(id)
	}
	return len(ids)
}

// Len returns the number of open connections.
func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close closes every connection and waits for their loops to return.
// Connect fails afterwards.
func (m *ConnManager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]int, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.remove(id)
	}
	m.connWg.Wait()
}
