package actions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
)

type fakeSearcher struct {
	query      string
	maxResults int
	results    []SearchResult
	err        error
}

func (f *fakeSearcher) Search(_ context.Context, query string, maxResults int) ([]SearchResult, error) {
	f.query = query
	f.maxResults = maxResults
	return f.results, f.err
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	noop := HandlerFunc(func(context.Context, Call) (any, error) { return "ok", nil })

	require.NoError(t, reg.Register(Definition{Name: "b_action"}, noop))
	require.NoError(t, reg.Register(Definition{Name: "a_action"}, noop))
	require.Error(t, reg.Register(Definition{Name: "a_action"}, noop))
	require.Error(t, reg.Register(Definition{Name: " "}, noop))
	require.Error(t, reg.Register(Definition{Name: "c"}, nil))

	assert.Equal(t, []string{"a_action", "b_action"}, reg.Names())
	defs := reg.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "a_action", defs[0].Name)
	assert.Equal(t, "object", defs[0].Parameters["type"])

	_, ok := reg.Lookup("missing")
	assert.False(t, ok)

	_, err := reg.Execute(context.Background(), Call{Name: "missing"})
	assert.True(t, errors.Is(err, ErrUnknownAction))

	got, err := reg.Execute(context.Background(), Call{Name: "a_action"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestDefaultCatalog_BuildsRegistry(t *testing.T) {
	cat := DefaultCatalog()
	require.NoError(t, cat.Validate())

	reg, err := Build(cat, BuildDeps{Research: &fakeSearcher{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"create_calendar_event", "place_call", "send_email", "send_sms", "web_research"}, reg.Names())

	def, ok := reg.Definition("web_research")
	require.True(t, ok)
	assert.Equal(t, RiskLow, def.Risk)
	def, ok = reg.Definition("send_sms")
	require.True(t, ok)
	assert.Equal(t, RiskHigh, def.Risk)

	// Webhook actions without an endpoint fail rather than silently succeed.
	_, err = reg.Execute(context.Background(), Call{Name: "send_sms", Arguments: map[string]any{"to": "+1", "body": "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint")
}

func TestParseCatalog(t *testing.T) {
	data := []byte(`
actions:
  - name: lookup_order
    description: Look up an order.
    kind: webhook
    risk: LOW
    endpoint: https://hooks.example.com/orders
    token_env: ORDERS_TOKEN
    parameters:
      type: object
      properties:
        order_id:
          type: string
`)
	cat, err := ParseCatalog(data)
	require.NoError(t, err)
	require.Len(t, cat.Actions, 1)
	assert.Equal(t, "ORDERS_TOKEN", cat.Actions[0].TokenEnv)

	reg, err := Build(cat, BuildDeps{Getenv: func(k string) string {
		if k == "ORDERS_TOKEN" {
			return "tok"
		}
		return ""
	}})
	require.NoError(t, err)
	def, _ := reg.Definition("lookup_order")
	assert.Equal(t, RiskLow, def.Risk)
	h, _ := reg.Lookup("lookup_order")
	wh, ok := h.(*WebhookHandler)
	require.True(t, ok)
	assert.Equal(t, "tok", wh.Token)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":        `actions: []`,
		"bad kind":     "actions:\n  - name: x\n    kind: shell\n    risk: low\n",
		"bad risk":     "actions:\n  - name: x\n    kind: webhook\n    risk: medium\n",
		"duplicate":    "actions:\n  - name: x\n    kind: webhook\n    risk: low\n  - name: x\n    kind: webhook\n    risk: low\n",
		"bad endpoint": "actions:\n  - name: x\n    kind: webhook\n    risk: low\n    endpoint: ftp://x\n",
		"not yaml":     "actions: [",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("actions:\n  - name: web_research\n    kind: research\n    risk: low\n"), 0o600))
	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "web_research", cat.Actions[0].Name)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResearchHandler(t *testing.T) {
	s := &fakeSearcher{results: []SearchResult{{Title: "Forecast", URL: "https://w.example"}}}
	h := &ResearchHandler{Searcher: s}

	out, err := h.Execute(context.Background(), Call{Name: "web_research", Arguments: map[string]any{"query": " weather ", "max_results": float64(50)}})
	require.NoError(t, err)
	assert.Equal(t, "weather", s.query)
	assert.Equal(t, maxResultsCap, s.maxResults)
	m := out.(map[string]any)
	assert.Equal(t, "weather", m["query"])

	_, err = h.Execute(context.Background(), Call{Arguments: map[string]any{}})
	assert.Error(t, err)

	_, err = (&ResearchHandler{}).Execute(context.Background(), Call{Arguments: map[string]any{"query": "x"}})
	assert.Error(t, err)
}

func TestTavilyClientSearch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "/search", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "golang", body["query"])
		assert.Equal(t, float64(3), body["max_results"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"title":" T ","url":"https://e.com","content":"S","score":0.8}]}`))
	}))
	defer ts.Close()

	c := NewTavilyClient("key", ts.URL, ts.Client())
	hits, err := c.Search(context.Background(), "golang", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, SearchResult{Title: "T", URL: "https://e.com", Snippet: "S", Score: 0.8}, hits[0])
}

func TestTavilyClientSearch_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer ts.Close()

	_, err := NewTavilyClient("key", ts.URL, ts.Client()).Search(context.Background(), "golang", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = NewTavilyClient("", ts.URL, nil).Search(context.Background(), "golang", 3)
	assert.Error(t, err)

	_, err = NewTavilyClient("key", ts.URL, nil).Search(context.Background(), " ", 3)
	assert.Error(t, err)
}

func TestWebhookHandler(t *testing.T) {
	var got webhookRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hook-token", r.Header.Get("Authorization"))
		assert.Equal(t, "apr_1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message_id":"SM1"}`))
	}))
	defer ts.Close()

	h := &WebhookHandler{Endpoint: ts.URL, Token: "hook-token", HTTPClient: ts.Client()}
	out, err := h.Execute(context.Background(), Call{
		ID:        "apr_1",
		Name:      "send_sms",
		Arguments: map[string]any{"to": "+15550100", "body": "hi"},
		Actor:     principal.Actor{Kind: principal.KindTrusted, Phone: "+15550111"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message_id": "SM1"}, out)
	assert.Equal(t, "send_sms", got.Name)
	assert.Equal(t, principal.KindTrusted, got.Actor.Kind)
	assert.Equal(t, "+15550100", got.Arguments["to"])
}

func TestWebhookHandler_EmptyAndFailure(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		w.WriteHeader(code)
		if code >= 400 {
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer ts.Close()

	h := &WebhookHandler{Endpoint: ts.URL}
	out, err := h.Execute(context.Background(), Call{Name: "send_email"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "accepted"}, out)

	status.Store(http.StatusBadGateway)
	_, err = h.Execute(context.Background(), Call{Name: "send_email"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestWebhookHandler_RespectsContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := (&WebhookHandler{Endpoint: ts.URL}).Execute(ctx, Call{Name: "place_call"})
	assert.Error(t, err)
}
