package nexus

import (
	"net/http"

	"github.com/putto11262002/nexus/core"
	"github.com/putto11262002/nexus/pkg/router"
	"github.com/putto11262002/nexus/realtime"
)

type PresenceHandler struct {
	store core.PresenceStore
}

func NewPresenceHandler(store core.PresenceStore) *PresenceHandler {
	return &PresenceHandler{store: store}
}

func (h *PresenceHandler) GetRoomPresenceHandler(w http.ResponseWriter, r *http.Request) error {
	status := realtime.Status(r.URL.Query().Get("status"))
	switch status {
	case "", realtime.StatusOnline, realtime.StatusOffline:
	default:
		return router.BadRequest("status must be online or offline")
	}

	entries, err := h.store.GetRoomPresence(r.Context(), r.PathValue("roomID"), status)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, entries)
}

// UpdatePresencePayload is the body of the update_user_presence procedure.
type UpdatePresencePayload struct {
	RoomID string `json:"room_id"`
	// UserID defaults to the caller and must match it when set.
	UserID string `json:"user_id"`
	// Status defaults to online.
	Status realtime.Status `json:"status"`
}

// UpdatePresenceHandler upserts the presence row of the caller in a room.
func (h *PresenceHandler) UpdatePresenceHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var payload UpdatePresencePayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	if payload.UserID != "" && payload.UserID != session.UserID {
		return core.ErrUnauthorized
	}
	if payload.Status == "" {
		payload.Status = realtime.StatusOnline
	}

	entry, err := h.store.UpsertPresence(r.Context(), core.PresenceUpdateInput{
		RoomID: payload.RoomID,
		UserID: session.UserID,
		Status: payload.Status,
	})
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, entry)
}
