// Package approvals persists the out-of-band half of the dual confirmation a
// high-risk action needs before its result is released to the caller.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("approval not found")
	// ErrConflict means the record is not in the state the caller expected.
	ErrConflict = errors.New("approval state conflict")
)

type Status string

const (
	StatusAwaitingConfirmation Status = "awaiting-confirmation"
	StatusExecuting            Status = "executing"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusRejected             Status = "rejected"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingConfirmation, StatusExecuting, StatusCompleted, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown approval status %q", s)
	}
	return st, nil
}

type Record struct {
	ID          string          `json:"id"`
	CallID      string          `json:"call_id"`
	ItemID      string          `json:"item_id"`
	ToolCallID  string          `json:"tool_call_id"`
	ActionName  string          `json:"action_name"`
	Arguments   map[string]any  `json:"arguments"`
	RequestedBy string          `json:"requested_by"`
	Reasons     []string        `json:"reasons,omitempty"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Update is applied by Store.Transition when the record is still in the
// expected status. Result, Error and DecidedBy replace the stored values.
type Update struct {
	Status    Status
	Result    json.RawMessage
	Error     string
	DecidedBy string
}

type ListFilter struct {
	Status Status
	CallID string
	Limit  int
}

type Store interface {
	Create(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	// Transition atomically moves a record from one status to another and
	// returns ErrConflict if it is not currently in from.
	Transition(ctx context.Context, id string, from Status, upd Update) (Record, error)
}

const defaultListLimit = 100

func normalizeLimit(n int) int {
	if n <= 0 || n > 1000 {
		return defaultListLimit
	}
	return n
}
