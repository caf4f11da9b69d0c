// Package apierror renders bridge errors as the JSON envelope served by the
// HTTP API.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-go/vai-bridge/pkg/gateway/actions"
	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/sessions"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
)

type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func InvalidRequest(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	switch {
	case errors.Is(err, approvals.ErrNotFound):
		return &Error{Type: ErrNotFound, Message: "approval not found", RequestID: requestID}, http.StatusNotFound
	case errors.Is(err, approvals.ErrConflict):
		return &Error{
			Type:      ErrConflict,
			Message:   "approval has already been decided",
			Code:      "already_decided",
			RequestID: requestID,
		}, http.StatusConflict
	case errors.Is(err, actions.ErrUnknownAction):
		return &Error{Type: ErrInvalidRequest, Message: err.Error(), RequestID: requestID}, http.StatusBadRequest
	case errors.Is(err, sessions.ErrCapacity):
		return &Error{
			Type:      ErrOverloaded,
			Message:   "too many active calls",
			Code:      "capacity",
			RequestID: requestID,
		}, StatusFromType(ErrOverloaded)
	}

	// Unknown errors do not leak details.
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrOverloaded:
		return 529
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err with status. A missing request id is filled from
// requestID.
func Write(w http.ResponseWriter, requestID string, err *Error, status int) {
	if err != nil && err.RequestID == "" {
		err.RequestID = requestID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}
