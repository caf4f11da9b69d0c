package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/egress"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
)

// WebhookHandler forwards an action to an operator-run HTTP endpoint that
// performs the side effect (SMS, email, calendar, ...).
type WebhookHandler struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

type webhookRequest struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments map[string]any  `json:"arguments"`
	Actor     principal.Actor `json:"actor"`
}

func (h *WebhookHandler) Execute(ctx context.Context, call Call) (any, error) {
	if h == nil || strings.TrimSpace(h.Endpoint) == "" {
		return nil, fmt.Errorf("action %q has no endpoint configured", call.Name)
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(webhookRequest{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: args,
		Actor:     call.Actor,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	if call.ID != "" {
		req.Header.Set("Idempotency-Key", call.ID)
	}

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := egress.ReadLimited(resp.Body, maxResponseBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > maxErrorBodyBytes {
			msg = msg[:maxErrorBodyBytes]
		}
		return nil, fmt.Errorf("%s webhook error (status %d): %s", call.Name, resp.StatusCode, msg)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{"status": "accepted"}, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"status": "accepted", "response": strings.TrimSpace(string(raw))}, nil
	}
	return out, nil
}
