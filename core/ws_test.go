package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/nexus/pkg/feed"
	"github.com/putto11262002/nexus/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

type wsFixture struct {
	t        *testing.T
	cm       *ConnManager
	server   *httptest.Server
	tearDown func()
}

// setUpWSFixture serves the feed with the user id taken from the "user" query parameter.
func setUpWSFixture(t *testing.T) *wsFixture {
	ctx, cancel := context.WithCancel(context.Background())
	cm := NewConnManager(ctx, testLogger)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := cm.Connect(Session{UserID: r.URL.Query().Get("user")}, w, r); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	}))
	return &wsFixture{
		t:      t,
		cm:     cm,
		server: server,
		tearDown: func() {
			cm.Close()
			cancel()
			server.Close()
		},
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *wsFixture) dial(userID string) *wsClient {
	f.t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	return &wsClient{t: f.t, conn: conn}
}

func (c *wsClient) write(t string, payload any) {
	c.t.Helper()
	e, err := feed.NewEvent(t, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(e))
}

func (c *wsClient) read() feed.Event {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(baseTimeout))
	var e feed.Event
	require.NoError(c.t, c.conn.ReadJSON(&e))
	return e
}

// noFrame asserts nothing arrives within a short window.
func (c *wsClient) noFrame() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(baseTimeout / 10))
	var e feed.Event
	err := c.conn.ReadJSON(&e)
	require.Error(c.t, err, "unexpected frame %s", e.String())
}

func (c *wsClient) subscribe(id string, collection realtime.Collection, roomID string) {
	c.t.Helper()
	c.write(feed.TypeSubscribe, feed.Subscribe{ID: id, Collection: collection, RoomID: roomID})
	e := c.read()
	require.Equal(c.t, feed.TypeSubscribed, e.Type)
	var ack feed.Subscribed
	require.NoError(c.t, e.Decode(&ack))
	require.Equal(c.t, id, ack.ID)
}

func (f *wsFixture) waitConnections(n int) {
	require.Eventually(f.t, func() bool {
		return f.cm.Len() == n
	}, baseTimeout, baseTimeout/20, "Timeout waiting for connections to be added to the manager")
}

func messageChange(t *testing.T, roomID, content string) Change {
	c, err := NewChange(realtime.CollectionMessages, OpInsert, roomID,
		realtime.Message{ID: "m1", RoomID: roomID, UserID: "u1", Content: content}, nil)
	require.NoError(t, err)
	return c
}

func TestConnect(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	f.dial("u1")
	f.dial("u2")
	f.waitConnections(2)
}

func TestPublishRoutesBySubscription(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	messages := f.dial("u1")
	messages.subscribe("s1", realtime.CollectionMessages, testRoomID)
	presence := f.dial("u2")
	presence.subscribe("s1", realtime.CollectionPresence, testRoomID)
	elsewhere := f.dial("u3")
	elsewhere.subscribe("s1", realtime.CollectionMessages, otherRoomID)

	f.cm.Publish(messageChange(t, testRoomID, "hello"))

	e := messages.read()
	require.Equal(t, feed.TypeChange, e.Type)
	var change feed.Change
	require.NoError(t, e.Decode(&change))
	assert.Equal(t, "s1", change.Subscription)
	assert.Equal(t, realtime.CollectionMessages, change.Collection)
	assert.Equal(t, "INSERT", change.Op)
	assert.Equal(t, testRoomID, change.RoomID)
	assert.Contains(t, string(change.New), `"content":"hello"`)

	presence.noFrame()
	elsewhere.noFrame()
}

func TestPublishToEverySubscription(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	c := f.dial("u1")
	c.subscribe("a", realtime.CollectionMessages, testRoomID)
	c.subscribe("b", realtime.CollectionMessages, testRoomID)

	f.cm.Publish(messageChange(t, testRoomID, "hello"))

	got := map[string]bool{}
	for range 2 {
		var change feed.Change
		e := c.read()
		require.NoError(t, e.Decode(&change))
		got[change.Subscription] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
}

func TestUnsubscribe(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	c := f.dial("u1")
	c.subscribe("s1", realtime.CollectionMessages, testRoomID)
	c.write(feed.TypeUnsubscribe, feed.Unsubscribe{ID: "s1"})
	// the next subscribe is acknowledged only after the unsubscribe was handled
	c.subscribe("s2", realtime.CollectionPresence, testRoomID)

	f.cm.Publish(messageChange(t, testRoomID, "hello"))
	c.noFrame()
}

func TestInvalidFrames(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	c := f.dial("u1")

	c.write(feed.TypeSubscribe, feed.Subscribe{ID: "s1", Collection: "profiles", RoomID: testRoomID})
	e := c.read()
	require.Equal(t, feed.TypeError, e.Type)
	var ferr feed.Error
	require.NoError(t, e.Decode(&ferr))
	assert.Equal(t, "s1", ferr.ID)

	c.write("bogus", struct{}{})
	e = c.read()
	assert.Equal(t, feed.TypeError, e.Type)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	e = c.read()
	assert.Equal(t, feed.TypeError, e.Type)

	// the connection survives bad frames
	c.subscribe("s2", realtime.CollectionMessages, testRoomID)
}

func TestDisconnectUser(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	first := f.dial("u1")
	f.dial("u1")
	f.dial("u2")
	f.waitConnections(3)

	assert.Equal(t, 2, f.cm.Disconnect("u1"))
	f.waitConnections(1)

	first.conn.SetReadDeadline(time.Now().Add(baseTimeout))
	_, _, err := first.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestClientCloses(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	c := f.dial("u1")
	f.waitConnections(1)

	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
	f.waitConnections(0)
}

func TestConnectAfterClose(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	c := f.dial("u1")
	f.waitConnections(1)
	f.cm.Close()
	assert.Equal(t, 0, f.cm.Len())

	c.conn.SetReadDeadline(time.Now().Add(baseTimeout))
	_, _, err := c.conn.ReadMessage()
	assert.Error(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?user=u1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
