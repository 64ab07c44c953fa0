package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"runtime"

	"github.com/go-chi/chi/v5"
)

var DefaultError = JsonError{
	Code: http.StatusInternalServerError,
	Err:  "internal server error",
}

// Router is a wrapper around chi.Router that provides error handling.
// Handlers return an error that is then mapped to a JSON error response.
// Error mappers can be registered for sentinel errors to provide custom responses;
// they match wrapped errors too.
type Router struct {
	chi.Router
	mappers      *mappers
	defaultError JsonError
	logger       *slog.Logger
}

type mappers struct {
	entries []mapperEntry
}

type mapperEntry struct {
	target error
	fn     ErrorMapper
}

func New(opts ...RouterOption) *Router {
	r := &Router{
		Router:       chi.NewRouter(),
		mappers:      &mappers{},
		defaultError: DefaultError,
		logger:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithDefaultError(err JsonError) RouterOption {
	return func(r *Router) {
		r.defaultError = err
	}
}

// derive returns a router sharing the mappers, logger and default error of a
// but routing through chiRouter.
func (a *Router) derive(chiRouter chi.Router) *Router {
	return &Router{
		Router:       chiRouter,
		mappers:      a.mappers,
		defaultError: a.defaultError,
		logger:       a.logger,
	}
}

// HandlerFunc is a function that handles an HTTP request and returns an error.
// When the handler fails it should not write anything to the response writer,
// instead it returns an error that will be mapped to an error response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Middleware func(http.Handler) HandlerFunc

// ErrorMapper maps a go error to an API error.
type ErrorMapper func(error) Error

// RegisterErrorMapper registers fn for every error that matches target with errors.Is.
func (a *Router) RegisterErrorMapper(target error, fn ErrorMapper) {
	a.mappers.entries = append(a.mappers.entries, mapperEntry{target: target, fn: fn})
}

// RegisterStatus maps every error matching target to code with the error's message.
func (a *Router) RegisterStatus(target error, code int) {
	a.RegisterErrorMapper(target, func(err error) Error {
		return NewJsonError(code, target.Error())
	})
}

// mapError maps a go error to an API error.
// The mapping works as following:
//   - if the error is already an API error it is returned as is.
//   - otherwise the first mapper whose target matches the error is used.
//   - if no error mapper matches the default error is returned.
func (a *Router) mapError(err error) Error {
	var apiErr JsonError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, m := range a.mappers.entries {
		if errors.Is(err, m.target) {
			return m.fn(err)
		}
	}
	return a.defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		handlerFn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
		resError := a.mapError(err)
		if resError.StatusCode() >= http.StatusInternalServerError {
			a.logger.Error(err.Error(), slog.String("handler", handlerFn.Name()))
		} else {
			a.logger.Debug(err.Error(), slog.String("handler", handlerFn.Name()))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resError.StatusCode())
		if err := resError.Encode(w); err != nil {
			a.logger.Error("encode error response", slog.String("error", err.Error()))
		}
	}
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

func (a *Router) Put(path string, h HandlerFunc) {
	a.Router.Put(path, a.handleWithErr(h))
}

func (a *Router) Delete(path string, h HandlerFunc) {
	a.Router.Delete(path, a.handleWithErr(h))
}

func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		f(a.derive(r))
	})
}

func (a *Router) Group(f func(r *Router)) *Router {
	ch := a.Router.Group(func(r chi.Router) {
		f(a.derive(r))
	})
	return a.derive(ch)
}

func (a *Router) Use(middleware Middleware) {
	a.Router.Use(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
}

func (a *Router) With(middleware Middleware) *Router {
	ch := a.Router.With(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
	return a.derive(ch)
}

// WriteJSON writes v as the JSON response body with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v.
// Malformed bodies are reported as a 400 JsonError.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewJsonError(http.StatusBadRequest, "malformed request body")
	}
	return nil
}
