package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-bridge/pkg/gateway/actions"
	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/auth"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

type decisionLog struct {
	mu        sync.Mutex
	decisions []string
}

func (d *decisionLog) RecordDecision(decision string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decisions = append(d.decisions, decision)
}

type approvalsFixture struct {
	store   *approvals.MemoryStore
	mux     *http.ServeMux
	calls   []actions.Call
	execErr error
	log     *decisionLog
}

func newApprovalsFixture(t *testing.T) *approvalsFixture {
	t.Helper()
	f := &approvalsFixture{store: approvals.NewMemoryStore(), log: &decisionLog{}}
	exec := actions.HandlerFunc(func(_ context.Context, call actions.Call) (any, error) {
		f.calls = append(f.calls, call)
		if f.execErr != nil {
			return nil, f.execErr
		}
		return map[string]string{"message_id": "SM1"}, nil
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := ApprovalsHandler{
		Config:   config.Config{},
		Service:  approvals.NewService(f.store, exec, logger, 0),
		Logger:   logger,
		Recorder: f.log,
	}
	f.mux = http.NewServeMux()
	f.mux.HandleFunc("GET /v1/approvals", h.List)
	f.mux.HandleFunc("GET /v1/approvals/{id}", h.Get)
	f.mux.HandleFunc("POST /v1/approvals/{id}/approve", h.Approve)
	f.mux.HandleFunc("POST /v1/approvals/{id}/reject", h.Reject)
	return f
}

func (f *approvalsFixture) create(t *testing.T, callID, action string) approvals.Record {
	t.Helper()
	rec, err := f.store.Create(context.Background(), approvals.Record{
		CallID:      callID,
		ItemID:      "item_1",
		ToolCallID:  "call_1",
		ActionName:  action,
		Arguments:   map[string]any{"to": "+15550100", "body": "hi"},
		RequestedBy: "external:+15550199",
	})
	require.NoError(t, err)
	return rec
}

func (f *approvalsFixture) do(t *testing.T, method, target, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	for _, m := range mutate {
		m(req)
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decodeRecord(t *testing.T, rr *httptest.ResponseRecorder) approvals.Record {
	t.Helper()
	var rec approvals.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec), rr.Body.String())
	return rec
}

func TestApprovals_ListFilters(t *testing.T) {
	f := newApprovalsFixture(t)
	f.create(t, "CA1", "send_sms")
	f.create(t, "CA2", "send_email")

	rr := f.do(t, http.MethodGet, "/v1/approvals?call_id=CA1&status=awaiting-confirmation", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var list struct {
		Object string             `json:"object"`
		Data   []approvals.Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "CA1", list.Data[0].CallID)
}

func TestApprovals_ListEmptyIsArray(t *testing.T) {
	f := newApprovalsFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/approvals", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"data":[]`)
}

func TestApprovals_ListRejectsBadQuery(t *testing.T) {
	f := newApprovalsFixture(t)

	for _, target := range []string{"/v1/approvals?status=pending", "/v1/approvals?limit=-1", "/v1/approvals?limit=ten"} {
		rr := f.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
		assert.Contains(t, rr.Body.String(), `"type":"invalid_request_error"`, target)
	}
}

func TestApprovals_GetNotFound(t *testing.T) {
	f := newApprovalsFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/approvals/apr_missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"type":"not_found_error"`)
}

func TestApprovals_ApproveExecutesOnce(t *testing.T) {
	f := newApprovalsFixture(t)
	rec := f.create(t, "CA1", "send_sms")

	rr := f.do(t, http.MethodPost, "/v1/approvals/"+rec.ID+"/approve", "", func(r *http.Request) {
		r.RemoteAddr = "10.1.2.3:5555"
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decodeRecord(t, rr)
	assert.Equal(t, approvals.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"message_id":"SM1"}`, string(got.Result))
	assert.Equal(t, "ip:10.1.2.3", got.DecidedBy)
	require.Len(t, f.calls, 1)
	assert.Equal(t, "send_sms", f.calls[0].Name)

	again := f.do(t, http.MethodPost, "/v1/approvals/"+rec.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Contains(t, again.Body.String(), `"code":"already_decided"`)
	assert.Len(t, f.calls, 1)
	assert.Equal(t, []string{"completed"}, f.log.decisions)
}

func TestApprovals_ApproveHandlerFailureIsRecorded(t *testing.T) {
	f := newApprovalsFixture(t)
	f.execErr = errors.New("carrier down")
	rec := f.create(t, "CA1", "send_sms")

	rr := f.do(t, http.MethodPost, "/v1/approvals/"+rec.ID+"/approve", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeRecord(t, rr)
	assert.Equal(t, approvals.StatusFailed, got.Status)
	assert.Equal(t, "carrier down", got.Error)
}

func TestApprovals_ApproverFromAPIKey(t *testing.T) {
	f := newApprovalsFixture(t)
	rec := f.create(t, "CA1", "send_sms")

	rr := f.do(t, http.MethodPost, "/v1/approvals/"+rec.ID+"/approve", "", func(r *http.Request) {
		*r = *r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{APIKey: "vb_sk_test"}))
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(decodeRecord(t, rr).DecidedBy, "key:"))
}

func TestApprovals_RejectWithReason(t *testing.T) {
	f := newApprovalsFixture(t)
	rec := f.create(t, "CA1", "send_sms")

	rr := f.do(t, http.MethodPost, "/v1/approvals/"+rec.ID+"/reject", `{"reason":"wrong number"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decodeRecord(t, rr)
	assert.Equal(t, approvals.StatusRejected, got.Status)
	assert.Equal(t, "wrong number", got.Error)
	assert.Empty(t, f.calls)

	after := f.do(t, http.MethodPost, "/v1/approvals/"+rec.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, after.Code)
}

func TestApprovals_RejectEmptyBodyUsesDefaultReason(t *testing.T) {
	f := newApprovalsFixture(t)
	rec := f.create(t, "CA1", "send_sms")

	rr := f.do(t, http.MethodPost, "/v1/approvals/"+rec.ID+"/reject", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "rejected by approver", decodeRecord(t, rr).Error)
}

func TestApprovals_RejectBadJSON(t *testing.T) {
	f := newApprovalsFixture(t)
	rec := f.create(t, "CA1", "send_sms")

	rr := f.do(t, http.MethodPost, "/v1/approvals/"+rec.ID+"/reject", `{"reason":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
