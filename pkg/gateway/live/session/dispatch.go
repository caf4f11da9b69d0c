package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/gateway/actions"
	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/audio"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/gateway/risk"
)

type listenEnd int

const (
	endTransient listenEnd = iota
	endFatal
	endCanceled
)

// listen runs the receive loop for one link until it ends.
func (s *Session) listen(link Link) listenEnd {
	for {
		ev, err := link.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return endCanceled
			}
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				s.logger.Warn("dropping malformed realtime frame", "error", de)
				s.recorder.DroppedFrame("decode")
				continue
			}
			if isClientClose(err) {
				s.logger.Error("realtime link closed with client error", "error", err)
				return endFatal
			}
			s.logger.Info("realtime link ended", "error", err)
			return endTransient
		}
		s.noteRoundTrip()
		if fatal := s.dispatch(ev); fatal {
			return endFatal
		}
	}
}

// isClientClose reports close frames that retrying cannot fix.
func isClientClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch {
	case ce.Code == websocket.ClosePolicyViolation, ce.Code == websocket.CloseUnsupportedData:
		return true
	case ce.Code >= 4400 && ce.Code <= 4499:
		return true
	default:
		return false
	}
}

func (s *Session) noteRoundTrip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.awaitingRoundTrip {
		s.awaitingRoundTrip = false
		s.reconnectAttempts = 0
	}
}

func (s *Session) dispatch(ev protocol.ServerEvent) (fatal bool) {
	switch e := ev.(type) {
	case protocol.TranscriptionCompleted:
		s.onTranscript(e.Transcript)
	case protocol.AudioDelta:
		s.onAudioDelta(e)
	case protocol.RequiresAction:
		s.onRequiresAction(e)
	case protocol.ErrorEvent:
		return s.onEngineError(e)
	default:
		s.logger.Debug("ignoring realtime event", "event_type", ev.EventType())
	}
	return false
}

func (s *Session) onTranscript(text string) {
	s.mu.Lock()
	s.lastTranscript = text
	s.mu.Unlock()

	if !matchesConfirmation(text, s.cfg.ConfirmationPhrases) {
		return
	}
	pa, ok := s.ledger.confirmLatest()
	if !ok {
		return
	}
	s.logger.Info("caller confirmed action by voice", "action", pa.Name, "approval_id", pa.ApprovalID)
}

func (s *Session) onAudioDelta(e protocol.AudioDelta) {
	raw, err := base64.StdEncoding.DecodeString(e.Delta)
	if err != nil {
		s.logger.Warn("dropping audio delta", "reason", "base64", "error", err)
		s.recorder.DroppedFrame("base64")
		return
	}
	pcm, err := audio.DownsamplePCM24kTo8k(raw)
	if err != nil {
		s.logger.Warn("dropping audio delta", "reason", "pcm", "error", err)
		s.recorder.DroppedFrame("pcm")
		return
	}
	if len(pcm) == 0 {
		return
	}
	if err := s.sink(pcm); err != nil {
		s.logger.Debug("audio sink rejected frame", "error", err)
		s.recorder.DroppedFrame("sink")
	}
}

func (s *Session) onEngineError(e protocol.ErrorEvent) bool {
	code := string(e.Error.Code)
	s.recorder.EngineError(code)
	if e.Error.IsClientError() {
		s.logger.Error("realtime engine rejected session", "type", e.Error.Type, "code", code, "message", e.Error.Message)
		return true
	}
	s.logger.Warn("realtime engine error", "type", e.Error.Type, "code", code, "message", e.Error.Message)
	return false
}

func (s *Session) onRequiresAction(ev protocol.RequiresAction) {
	itemID := ev.Item.ID
	var (
		outputs []protocol.ToolOutput
		gated   []PendingAction
	)
	for _, call := range ev.ToolCalls() {
		out, pending := s.resolveCall(itemID, call)
		if pending != nil {
			gated = append(gated, *pending)
			continue
		}
		outputs = append(outputs, out)
	}

	if len(outputs) > 0 {
		if err := s.send(s.ctx, protocol.NewSubmitToolOutputs(itemID, outputs)); err != nil {
			s.logger.Warn("submit tool outputs failed", "item_id", itemID, "error", err)
		} else {
			s.recorder.ToolOutputs("immediate", len(outputs))
		}
	}
	for _, pa := range gated {
		if err := s.send(s.ctx, s.confirmationPrompt(pa)); err != nil {
			s.logger.Warn("confirmation prompt failed", "action", pa.Name, "error", err)
		}
	}
}

// resolveCall either produces an immediate output for call or registers it
// as a pending action.
func (s *Session) resolveCall(itemID string, call protocol.ToolCall) (protocol.ToolOutput, *PendingAction) {
	handler, ok := s.actions.Lookup(call.Name)
	if !ok {
		s.logger.Warn("engine requested unknown action", "action", call.Name)
		return errorOutput(call.ID, fmt.Sprintf("%v %q", actions.ErrUnknownAction, call.Name), approvals.StatusFailed), nil
	}
	args, err := call.Arguments()
	if err != nil {
		return errorOutput(call.ID, err.Error(), approvals.StatusFailed), nil
	}

	level, reasons := s.risk.Classify(call.Name)
	if level == risk.Low || s.cfg.AutoExecuteHighRisk {
		return s.executeNow(handler, call, args), nil
	}

	rec, err := s.approvals.Create(s.ctx, approvals.Record{
		CallID:      s.callID,
		ItemID:      itemID,
		ToolCallID:  call.ID,
		ActionName:  call.Name,
		Arguments:   args,
		RequestedBy: s.actor.String(),
		Reasons:     reasons,
	})
	if err != nil {
		s.logger.Error("create approval record failed", "action", call.Name, "error", err)
		return errorOutput(call.ID, "could not record approval request", approvals.StatusFailed), nil
	}

	pa := PendingAction{
		ItemID:      itemID,
		CallID:      call.ID,
		Name:        call.Name,
		Arguments:   args,
		ApprovalID:  rec.ID,
		RequestedAt: time.Now(),
	}
	s.ledger.add(pa)
	s.recorder.PendingActions(1)
	s.logger.Info("action awaiting dual confirmation", "action", call.Name, "approval_id", rec.ID, "reasons", reasons)
	return protocol.ToolOutput{}, &pa
}

func (s *Session) executeNow(h actions.Handler, call protocol.ToolCall, args map[string]any) (out protocol.ToolOutput) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ToolTimeout)
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("action panicked", "action", call.Name, "panic", v)
			out = errorOutput(call.ID, fmt.Sprintf("action %q failed", call.Name), approvals.StatusFailed)
		}
	}()

	result, err := h.Execute(ctx, actions.Call{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: args,
		Actor:     s.actor,
	})
	if err != nil {
		s.logger.Warn("action failed", "action", call.Name, "error", err)
		return errorOutput(call.ID, err.Error(), approvals.StatusFailed)
	}
	return completedOutput(call.ID, result)
}

func (s *Session) confirmationPrompt(pa PendingAction) protocol.ResponseCreate {
	phrase := s.cfg.ConfirmationPhrases[0]
	text := fmt.Sprintf(
		"Tell the caller you can %s but need their confirmation first. Ask them to say %q to confirm. Also tell them the account owner must approve it separately before it happens.",
		strings.ReplaceAll(pa.Name, "_", " "), phrase,
	)
	return protocol.NewResponseCreate([]string{"audio", "text"}, text)
}

func completedOutput(callID string, result any) protocol.ToolOutput {
	return protocol.ToolOutput{
		ToolCallID: callID,
		Output:     encodeOutput(map[string]any{"status": approvals.StatusCompleted, "result": result}),
	}
}

func errorOutput(callID, msg string, status approvals.Status) protocol.ToolOutput {
	return protocol.ToolOutput{
		ToolCallID: callID,
		Output:     encodeOutput(map[string]any{"error": msg, "status": status}),
	}
}

func encodeOutput(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return `{"error":"result could not be encoded","status":"failed"}`
	}
	return string(b)
}

// matchesConfirmation compares an utterance against the phrase set after
// lowercasing, dropping punctuation and collapsing whitespace.
func matchesConfirmation(text string, phrases []string) bool {
	got := normalizeUtterance(text)
	if got == "" {
		return false
	}
	for _, p := range phrases {
		if got == normalizeUtterance(p) {
			return true
		}
	}
	return false
}

func normalizeUtterance(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		case r == '\'':
			return -1
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}
