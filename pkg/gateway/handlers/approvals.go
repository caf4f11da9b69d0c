package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
)

type ApprovalService interface {
	List(ctx context.Context, filter approvals.ListFilter) ([]approvals.Record, error)
	Get(ctx context.Context, id string) (approvals.Record, error)
	Approve(ctx context.Context, id, approver string) (approvals.Record, error)
	Reject(ctx context.Context, id, approver, reason string) (approvals.Record, error)
}

// DecisionRecorder counts approval outcomes. Optional.
type DecisionRecorder interface {
	RecordDecision(decision string)
}

// ApprovalsHandler serves the out-of-band half of dual confirmation. Routes
// are registered with method patterns; the record id comes from {id}.
type ApprovalsHandler struct {
	Config   config.Config
	Service  ApprovalService
	Logger   *slog.Logger
	Recorder DecisionRecorder
}

type approvalList struct {
	Object string             `json:"object"`
	Data   []approvals.Record `json:"data"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h ApprovalsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := approvals.ListFilter{CallID: strings.TrimSpace(q.Get("call_id"))}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, err := approvals.ParseStatus(raw)
		if err != nil {
			writeError(w, r, apierror.InvalidRequest(err.Error(), "status"))
			return
		}
		filter.Status = st
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, apierror.InvalidRequest("limit must be a positive integer", "limit"))
			return
		}
		filter.Limit = n
	}

	recs, err := h.Service.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []approvals.Record{}
	}
	writeJSON(w, http.StatusOK, approvalList{Object: "list", Data: recs})
}

func (h ApprovalsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.Service.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Approve runs the action. A handler failure still answers 200; the record
// carries status failed and the error.
func (h ApprovalsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	approver := principal.Approver(r, h.Config.TrustProxyHeaders)
	rec, err := h.Service.Approve(r.Context(), id, approver)
	if err != nil {
		h.logger().Warn("approve failed", "request_id", requestIDFromContext(r), "approval_id", id, "error", err)
		writeError(w, r, err)
		return
	}
	h.record(string(rec.Status))
	writeJSON(w, http.StatusOK, rec)
}

func (h ApprovalsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var body rejectRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, apierror.InvalidRequest("invalid JSON body", "body"))
			return
		}
	}

	approver := principal.Approver(r, h.Config.TrustProxyHeaders)
	rec, err := h.Service.Reject(r.Context(), id, approver, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.record(string(rec.Status))
	writeJSON(w, http.StatusOK, rec)
}

func (h ApprovalsHandler) pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, r, apierror.InvalidRequest("approval id is required", "id"))
		return "", false
	}
	return id, true
}

func (h ApprovalsHandler) record(decision string) {
	if h.Recorder != nil {
		h.Recorder.RecordDecision(decision)
	}
}

func (h ApprovalsHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
