package nexus

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/nexus/core"
	"github.com/putto11262002/nexus/pkg/feed"
	"github.com/putto11262002/nexus/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfiles(t *testing.T) {
	f := NewAppFixture(t)
	defer f.tearDown()

	alice, aliceSession := f.signup("alice")
	_, bobSession := f.signup("bob")

	t.Run("duplicate username", func(t *testing.T) {
		res := f.anonymous().do(http.MethodPost, "/api/profiles", core.ProfileCreateInput{
			Username: "alice", DisplayName: "Alice", Password: "password1",
		}, nil)
		assert.Equal(t, http.StatusConflict, res.StatusCode)
	})

	t.Run("invalid profile", func(t *testing.T) {
		res := f.anonymous().do(http.MethodPost, "/api/profiles", core.ProfileCreateInput{
			Username: "x", DisplayName: "X", Password: "password1",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("me", func(t *testing.T) {
		var me realtime.Profile
		res := alice.do(http.MethodGet, "/api/profiles/me", nil, &me)
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, aliceSession.UserID, me.ID)
		assert.Equal(t, "ALICE", me.DisplayName)
	})

	t.Run("batch", func(t *testing.T) {
		var profiles []realtime.Profile
		res := alice.do(http.MethodGet, "/api/profiles?id="+bobSession.UserID+","+aliceSession.UserID+"&id=unknown", nil, &profiles)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Len(t, profiles, 2)
		assert.Equal(t, "alice", profiles[0].Username)
		assert.Equal(t, "bob", profiles[1].Username)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		res := f.anonymous().do(http.MethodGet, "/api/profiles/me", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	})
}

func TestSignin(t *testing.T) {
	f := NewAppFixture(t)
	defer f.tearDown()
	f.signup("alice")

	res := f.anonymous().do(http.MethodPost, "/api/auth/signin", SigninPayload{Username: "alice", Password: "wrong-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	var session core.Session
	res = f.anonymous().do(http.MethodPost, "/api/auth/signin", SigninPayload{Username: "alice", Password: "password1"}, &session)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, session.Token)

	cookies := res.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, core.AuthCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
}

func TestSignout(t *testing.T) {
	f := NewAppFixture(t)
	defer f.tearDown()
	alice, _ := f.signup("alice")
	conn := alice.dial()
	require.Eventually(t, func() bool { return f.app.Feed().Len() == 1 }, baseTimeout, baseTimeout/20)

	res := alice.do(http.MethodPost, "/api/auth/signout", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	// the feed connection is closed and the token revoked
	conn.SetReadDeadline(time.Now().Add(baseTimeout))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	res = alice.do(http.MethodGet, "/api/profiles/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMessages(t *testing.T) {
	f := NewAppFixture(t)
	defer f.tearDown()
	alice, aliceSession := f.signup("alice")
	bob, bobSession := f.signup("bob")

	path := "/api/rooms/" + testRoomID + "/messages"

	var first realtime.Message
	res := alice.do(http.MethodPost, path, CreateMessagePayload{Content: "  hello "}, &first)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "hello", first.Content)
	assert.Equal(t, aliceSession.UserID, first.UserID)

	res = bob.do(http.MethodPost, path, CreateMessagePayload{Content: "hi"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	t.Run("read oldest first", func(t *testing.T) {
		var messages []realtime.Message
		res := alice.do(http.MethodGet, path, nil, &messages)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Len(t, messages, 2)
		assert.Equal(t, "hello", messages[0].Content)
		assert.Equal(t, bobSession.UserID, messages[1].UserID)
	})

	t.Run("limit", func(t *testing.T) {
		var messages []realtime.Message
		res := alice.do(http.MethodGet, path+"?limit=1", nil, &messages)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Len(t, messages, 1)
		assert.Equal(t, "hi", messages[0].Content)
	})

	t.Run("since", func(t *testing.T) {
		var messages []realtime.Message
		since := first.CreatedAt.Format(time.RFC3339Nano)
		res := alice.do(http.MethodGet, path+"?since="+since, nil, &messages)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.NotEmpty(t, messages)
		assert.Equal(t, first.ID, messages[0].ID)
	})

	t.Run("bad query", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, alice.do(http.MethodGet, path+"?limit=x", nil, nil).StatusCode)
		assert.Equal(t, http.StatusBadRequest, alice.do(http.MethodGet, path+"?since=yesterday", nil, nil).StatusCode)
	})

	t.Run("blank content", func(t *testing.T) {
		res := alice.do(http.MethodPost, path, CreateMessagePayload{Content: "   "}, nil)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})

	t.Run("impersonation", func(t *testing.T) {
		res := alice.do(http.MethodPost, path, CreateMessagePayload{UserID: bobSession.UserID, Content: "hey"}, nil)
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
	})
}

func TestPresence(t *testing.T) {
	f := NewAppFixture(t)
	defer f.tearDown()
	alice, aliceSession := f.signup("alice")
	_, bobSession := f.signup("bob")

	rpc := "/api/rpc/update_user_presence"

	var entry realtime.PresenceEntry
	res := alice.do(http.MethodPost, rpc, UpdatePresencePayload{RoomID: testRoomID}, &entry)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, realtime.StatusOnline, entry.Status)
	assert.Equal(t, aliceSession.UserID, entry.UserID)

	// a second heartbeat keeps a single row
	res = alice.do(http.MethodPost, rpc, UpdatePresencePayload{RoomID: testRoomID, UserID: aliceSession.UserID}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var online []realtime.PresenceEntry
	res = alice.do(http.MethodGet, "/api/rooms/"+testRoomID+"/presence?status=online", nil, &online)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, online, 1)
	assert.Equal(t, aliceSession.UserID, online[0].UserID)

	t.Run("other user", func(t *testing.T) {
		res := alice.do(http.MethodPost, rpc, UpdatePresencePayload{RoomID: testRoomID, UserID: bobSession.UserID}, nil)
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
	})

	t.Run("invalid status", func(t *testing.T) {
		res := alice.do(http.MethodPost, rpc, UpdatePresencePayload{RoomID: testRoomID, Status: "away"}, nil)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
		res = alice.do(http.MethodGet, "/api/rooms/"+testRoomID+"/presence?status=away", nil, nil)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	})
}

func TestFeed(t *testing.T) {
	f := NewAppFixture(t)
	defer f.tearDown()
	alice, _ := f.signup("alice")
	bob, _ := f.signup("bob")

	conn := bob.dial()
	e, err := feed.NewEvent(feed.TypeSubscribe, feed.Subscribe{ID: "m", Collection: realtime.CollectionMessages, RoomID: testRoomID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(e))

	var ack feed.Event
	conn.SetReadDeadline(time.Now().Add(baseTimeout))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, feed.TypeSubscribed, ack.Type)

	res := alice.do(http.MethodPost, "/api/rooms/"+testRoomID+"/messages", CreateMessagePayload{Content: "hello"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var frame feed.Event
	conn.SetReadDeadline(time.Now().Add(baseTimeout))
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, feed.TypeChange, frame.Type)
	var change feed.Change
	require.NoError(t, frame.Decode(&change))
	assert.Equal(t, "m", change.Subscription)
	assert.Equal(t, "INSERT", change.Op)
	assert.True(t, strings.Contains(string(change.New), `"content":"hello"`))
}

func TestFeedRequiresToken(t *testing.T) {
	f := NewAppFixture(t)
	defer f.tearDown()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestWriteRateLimit(t *testing.T) {
	f := NewAppFixture(t, func(c *Config) {
		c.RateLimit.WritesPerMinute = 1
		c.RateLimit.Burst = 2
	})
	defer f.tearDown()
	alice, _ := f.signup("alice")
	bob, _ := f.signup("bob")

	path := "/api/rooms/" + testRoomID + "/messages"
	for i := 0; i < 2; i++ {
		res := alice.do(http.MethodPost, path, CreateMessagePayload{Content: "hello"}, nil)
		require.Equal(t, http.StatusCreated, res.StatusCode)
	}

	res := alice.do(http.MethodPost, path, CreateMessagePayload{Content: "hello"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "1", res.Header.Get("Retry-After"))

	res = alice.do(http.MethodPost, "/api/rpc/update_user_presence", UpdatePresencePayload{RoomID: testRoomID}, nil)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)

	t.Run("other users keep their own budget", func(t *testing.T) {
		res := bob.do(http.MethodPost, path, CreateMessagePayload{Content: "hi"}, nil)
		assert.Equal(t, http.StatusCreated, res.StatusCode)
	})

	t.Run("reads are not limited", func(t *testing.T) {
		res := alice.do(http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, res.StatusCode)
	})
}

func TestNewRejectsRedisURL(t *testing.T) {
	config := testConfig()
	config.Redis.URL = "http://localhost:6379"
	config.Redis.Channel = "nexus:changes"
	_, err := New(context.Background(), config, testLogger)
	assert.Error(t, err)
}
