package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
)

// pollLoop reconciles voice-confirmed actions against the approval store. It
// ticks faster while a confirmed action is waiting.
func (s *Session) pollLoop() {
	defer s.wg.Done()
	for {
		interval := s.cfg.IdlePollInterval
		if s.ledger.anyVoiceConfirmed() {
			interval = s.cfg.PollInterval
		}
		if err := sleepContext(s.ctx, interval); err != nil {
			return
		}
		s.pollOnce(s.ctx)
	}
}

// pollOnce submits the outcome of every action that is both voice confirmed
// and terminal in the store, and returns how many were resolved. An action
// leaves the ledger only after its output has been sent; a failed send keeps
// it for the next poll.
func (s *Session) pollOnce(ctx context.Context) int {
	if s.currentLink() == nil {
		return 0
	}
	resolved := 0
	for _, pa := range s.ledger.voiceConfirmed() {
		rec, err := s.approvals.Get(ctx, pa.ApprovalID)
		switch {
		case errors.Is(err, approvals.ErrNotFound):
			rec = approvals.Record{ID: pa.ApprovalID, Status: approvals.StatusFailed, Error: "approval record not found"}
		case err != nil:
			s.logger.Warn("approval lookup failed", "approval_id", pa.ApprovalID, "error", err)
			continue
		}
		if !rec.Status.Terminal() {
			continue
		}
		if !s.ledger.claim(pa.ApprovalID) {
			continue
		}

		out := outputForRecord(pa.CallID, rec)
		if err := s.send(ctx, protocol.NewSubmitToolOutputs(pa.ItemID, []protocol.ToolOutput{out})); err != nil {
			s.ledger.unclaim(pa.ApprovalID)
			s.logger.Warn("submit confirmed action output failed, retrying next poll", "approval_id", pa.ApprovalID, "error", err)
			continue
		}
		if s.ledger.remove(pa.ApprovalID) {
			s.recorder.PendingActions(-1)
		}
		s.recorder.ToolOutputs("confirmed", 1)
		s.logger.Info("pending action resolved", "action", pa.Name, "approval_id", pa.ApprovalID, "status", rec.Status)
		resolved++
	}
	return resolved
}

func outputForRecord(callID string, rec approvals.Record) protocol.ToolOutput {
	if rec.Status == approvals.StatusCompleted {
		var result any = json.RawMessage("null")
		if len(rec.Result) > 0 {
			result = rec.Result
		}
		return completedOutput(callID, result)
	}
	msg := rec.Error
	if msg == "" {
		msg = "action " + string(rec.Status)
	}
	return errorOutput(callID, msg, rec.Status)
}
