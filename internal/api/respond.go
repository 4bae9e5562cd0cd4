package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"warmline/internal/instance"
	"warmline/internal/queue"
	"warmline/internal/storage"
	"warmline/internal/warmup"
)

// Envelope is the body of every response.
type Envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	CodeOK               = "OK"
	CodeNotFound         = "NOT_FOUND"
	CodeInstanceNotReady = "INSTANCE_NOT_READY"
	CodeRegistration     = "REGISTRATION_FAILED"
	CodeOutOfHours       = "OUT_OF_HOURS"
	CodeNoCapacity       = "NO_CAPACITY"
	CodeAlreadyRunning   = "ALREADY_RUNNING"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInternal         = "INTERNAL"
)

// invalidError is a client mistake; its message is safe to return.
type invalidError struct{ msg string }

func (e *invalidError) Error() string { return e.msg }

func invalid(msg string) error { return &invalidError{msg: msg} }

var outcomes = []struct {
	err    error
	status int
	code   string
}{
	{instance.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{storage.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{instance.ErrNotReady, http.StatusConflict, CodeInstanceNotReady},
	{instance.ErrRegistration, http.StatusBadGateway, CodeRegistration},
	{queue.ErrOutOfHours, http.StatusConflict, CodeOutOfHours},
	{queue.ErrNoCapacity, http.StatusConflict, CodeNoCapacity},
	{queue.ErrAlreadySending, http.StatusConflict, CodeAlreadyRunning},
	{warmup.ErrAlreadyWarming, http.StatusConflict, CodeAlreadyRunning},
}

// classify maps err to an HTTP status, a stable code and a safe message.
func classify(err error) (int, string, string) {
	var ie *invalidError
	if errors.As(err, &ie) {
		return http.StatusBadRequest, CodeInvalidRequest, ie.msg
	}
	for _, o := range outcomes {
		if errors.Is(err, o.err) {
			return o.status, o.code, err.Error()
		}
	}
	return http.StatusInternalServerError, CodeInternal, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, Envelope{Code: CodeOK, Message: message, Data: data})
}
