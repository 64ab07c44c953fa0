package router

import (
	"encoding/json"
	"io"
	"net/http"
)

// Error is an error that knows how to render itself as an HTTP response.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

func BadRequest(msg string) JsonError {
	return NewJsonError(http.StatusBadRequest, msg)
}

func Unauthorized() JsonError {
	return NewJsonError(http.StatusUnauthorized, "unauthenticated")
}

func Forbidden(msg string) JsonError {
	return NewJsonError(http.StatusForbidden, msg)
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
