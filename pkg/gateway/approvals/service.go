package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/actions"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
)

type Executor interface {
	Execute(ctx context.Context, call actions.Call) (any, error)
}

// Service runs the out-of-band decision on an approval record. Approving
// executes the action and stores its outcome on the record; the voice
// session releases that outcome once the caller has also confirmed.
type Service struct {
	store   Store
	exec    Executor
	logger  *slog.Logger
	timeout time.Duration
}

func NewService(store Store, exec Executor, logger *slog.Logger, timeout time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{store: store, exec: exec, logger: logger, timeout: timeout}
}

func (s *Service) Store() Store { return s.store }

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	return s.store.List(ctx, filter)
}

func (s *Service) Approve(ctx context.Context, id, approver string) (Record, error) {
	approver = strings.TrimSpace(approver)
	rec, err := s.store.Transition(ctx, id, StatusAwaitingConfirmation, Update{
		Status:    StatusExecuting,
		DecidedBy: approver,
	})
	if err != nil {
		return Record{}, err
	}
	s.logger.Info("approval granted", "approval_id", id, "action", rec.ActionName, "decided_by", approver)

	upd := Update{Status: StatusCompleted, DecidedBy: approver}
	result, execErr := s.execute(ctx, rec)
	if execErr != nil {
		upd.Status = StatusFailed
		upd.Error = execErr.Error()
	} else if raw, err := json.Marshal(result); err != nil {
		upd.Status = StatusFailed
		upd.Error = fmt.Sprintf("encode result: %v", err)
	} else {
		upd.Result = raw
	}

	// The record must not be left in executing because the caller went away.
	final, err := s.store.Transition(context.WithoutCancel(ctx), id, StatusExecuting, upd)
	if err != nil {
		return Record{}, fmt.Errorf("record outcome: %w", err)
	}
	if final.Status == StatusFailed {
		s.logger.Warn("approved action failed", "approval_id", id, "action", rec.ActionName, "error", final.Error)
	} else {
		s.logger.Info("approved action completed", "approval_id", id, "action", rec.ActionName)
	}
	return final, nil
}

func (s *Service) Reject(ctx context.Context, id, approver, reason string) (Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected by approver"
	}
	rec, err := s.store.Transition(ctx, id, StatusAwaitingConfirmation, Update{
		Status:    StatusRejected,
		Error:     reason,
		DecidedBy: strings.TrimSpace(approver),
	})
	if err != nil {
		return Record{}, err
	}
	s.logger.Info("approval rejected", "approval_id", id, "action", rec.ActionName, "decided_by", rec.DecidedBy)
	return rec, nil
}

func (s *Service) execute(ctx context.Context, rec Record) (result any, err error) {
	if s.exec == nil {
		return nil, fmt.Errorf("no action executor configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("action %q panicked: %v", rec.ActionName, v)
		}
	}()
	return s.exec.Execute(ctx, actions.Call{
		ID:        rec.ID,
		Name:      rec.ActionName,
		Arguments: rec.Arguments,
		Actor:     principal.ParseActor(rec.RequestedBy),
	})
}
