package nexus

import (
	"net/http"

	"github.com/putto11262002/nexus/core"
	"github.com/putto11262002/nexus/pkg/router"
)

func messageMapper(code int) router.ErrorMapper {
	return func(err error) router.Error {
		return router.NewJsonError(code, err.Error())
	}
}

func registerErrorMappers(r *router.Router) {
	r.RegisterErrorMapper(core.ErrInvalidProfile, messageMapper(http.StatusBadRequest))
	r.RegisterErrorMapper(core.ErrInvalidMessage, messageMapper(http.StatusBadRequest))
	r.RegisterErrorMapper(core.ErrInvalidPresence, messageMapper(http.StatusBadRequest))
	r.RegisterStatus(core.ErrConflictedProfile, http.StatusConflict)
	r.RegisterStatus(core.ErrBadCredentials, http.StatusUnauthorized)
	r.RegisterStatus(core.ErrUnauthenticated, http.StatusUnauthorized)
	r.RegisterStatus(core.ErrUnauthorized, http.StatusForbidden)
}
