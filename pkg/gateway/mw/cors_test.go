package mw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

const consoleOrigin = "https://console.example.com"

func corsHandler(t *testing.T, origins ...string) (http.Handler, *bool) {
	t.Helper()
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	called := false
	h := CORS(config.Config{CORSAllowedOrigins: allowed}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	return h, &called
}

func TestCORS_SimpleRequests(t *testing.T) {
	cases := []struct {
		name       string
		allowlist  []string
		origin     string
		wantOrigin string
	}{
		{name: "disabled", origin: consoleOrigin},
		{name: "allowlisted", allowlist: []string{consoleOrigin}, origin: consoleOrigin, wantOrigin: consoleOrigin},
		{name: "other origin", allowlist: []string{consoleOrigin}, origin: "https://elsewhere.example.com"},
		{name: "no origin", allowlist: []string{consoleOrigin}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, called := corsHandler(t, tc.allowlist...)
			req := httptest.NewRequest(http.MethodGet, "/v1/approvals", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.True(t, *called)
			assert.Equal(t, tc.wantOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
			if tc.wantOrigin != "" {
				assert.Equal(t, "Origin", rr.Header().Get("Vary"))
				assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
			}
		})
	}
}

func TestCORS_PreflightAllowed(t *testing.T) {
	h, called := corsHandler(t, consoleOrigin)

	req := httptest.NewRequest(http.MethodOptions, "/v1/approvals/apr_1/approve", nil)
	req.Header.Set("Origin", consoleOrigin)
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, *called)
	assert.Equal(t, consoleOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-Bridge-Version")
	assert.Equal(t, "600", rr.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_PreflightDisallowedIsJSON(t *testing.T) {
	h, called := corsHandler(t, consoleOrigin)

	req := httptest.NewRequest(http.MethodOptions, "/v1/approvals", nil)
	req.Header.Set("Origin", "https://elsewhere.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.False(t, *called)

	var body struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "permission_error", body.Error.Type)
	assert.Equal(t, "cors_origin", body.Error.Code)
}

func TestCORS_PlainOptionsPassesThrough(t *testing.T) {
	h, called := corsHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/approvals", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.True(t, *called)
}
