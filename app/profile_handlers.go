package nexus

import (
	"net/http"
	"strings"

	"github.com/putto11262002/nexus/core"
	"github.com/putto11262002/nexus/pkg/router"
	"github.com/putto11262002/nexus/realtime"
)

// maxProfileBatch bounds the ids of one batched profile read.
const maxProfileBatch = 200

type ProfileHandler struct {
	store core.ProfileStore
}

func NewProfileHandler(store core.ProfileStore) *ProfileHandler {
	return &ProfileHandler{store: store}
}

func (h *ProfileHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) error {
	var in core.ProfileCreateInput
	if err := router.DecodeJSON(r, &in); err != nil {
		return err
	}

	profile, err := h.store.CreateProfile(r.Context(), in)
	if err != nil {
		return err
	}

	return router.WriteJSON(w, http.StatusCreated, profile)
}

func (h *ProfileHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	profile, err := h.store.GetProfileByID(r.Context(), session.UserID)
	if err != nil {
		return err
	}
	if profile == nil {
		return router.NewJsonError(http.StatusNotFound, "profile not found")
	}
	return router.WriteJSON(w, http.StatusOK, profile)
}

// GetProfilesHandler reads the profiles named by the id query parameters.
// Each parameter may carry a comma separated list. Unknown ids are omitted.
func (h *ProfileHandler) GetProfilesHandler(w http.ResponseWriter, r *http.Request) error {
	var ids []string
	for _, v := range r.URL.Query()["id"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) > maxProfileBatch {
		return router.BadRequest("too many ids")
	}

	profiles, err := h.store.GetProfiles(r.Context(), ids...)
	if err != nil {
		return err
	}
	if profiles == nil {
		profiles = []realtime.Profile{}
	}
	return router.WriteJSON(w, http.StatusOK, profiles)
}
