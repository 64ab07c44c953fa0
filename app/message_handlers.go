package nexus

import (
	"net/http"
	"strconv"
	"time"

	"github.com/putto11262002/nexus/core"
	"github.com/putto11262002/nexus/pkg/router"
	"github.com/putto11262002/nexus/realtime"
)

type MessageHandler struct {
	store core.MessageStore
}

func NewMessageHandler(store core.MessageStore) *MessageHandler {
	return &MessageHandler{store: store}
}

// GetRoomMessagesHandler serves ?limit=&since= reads. since is RFC 3339.
func (h *MessageHandler) GetRoomMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	var q realtime.MessageQuery
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return router.BadRequest("limit must be a positive integer")
		}
		q.Limit = limit
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return router.BadRequest("since must be an RFC 3339 timestamp")
		}
		q.Since = since
	}

	messages, err := h.store.GetRoomMessages(r.Context(), r.PathValue("roomID"), q)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, messages)
}

type CreateMessagePayload struct {
	// UserID defaults to the caller and must match it when set.
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func (h *MessageHandler) CreateMessageHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var payload CreateMessagePayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	if payload.UserID != "" && payload.UserID != session.UserID {
		return core.ErrUnauthorized
	}

	msg, err := h.store.CreateMessage(r.Context(), core.MessageCreateInput{
		RoomID:  r.PathValue("roomID"),
		UserID:  session.UserID,
		Content: payload.Content,
	})
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, msg)
}
