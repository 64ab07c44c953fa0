package nexus

import (
	"net/http"
	"time"

	"github.com/putto11262002/nexus/core"
	"github.com/putto11262002/nexus/pkg/router"
)

type AuthHandler struct {
	store core.AuthStore
	feed  *core.ConnManager
}

func NewAuthHandler(store core.AuthStore, feed *core.ConnManager) *AuthHandler {
	return &AuthHandler{store: store, feed: feed}
}

type SigninPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) SigninHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SigninPayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}

	session, err := h.store.NewSession(r.Context(), payload.Username, payload.Password)
	if err != nil {
		return err
	}

	http.SetCookie(w, core.SessionCookie(*session, true, "/"))
	return router.WriteJSON(w, http.StatusOK, session)
}

// SignoutHandler revokes the token and closes the feed connections of the caller.
func (h *AuthHandler) SignoutHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	if err := h.store.DestroySession(r.Context(), session); err != nil {
		return err
	}
	h.feed.Disconnect(session.UserID)

	http.SetCookie(w, &http.Cookie{
		Name:     core.AuthCookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusOK)
	return nil
}
