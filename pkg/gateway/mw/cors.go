package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

// The approvals console is the only browser caller; media streams never send
// a preflight.
const (
	corsMaxAge = "600"

	corsAllowMethods  = "GET, POST, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, X-Request-ID, " + apiVersionHeader
	corsExposeHeaders = "X-Request-ID, Retry-After"
)

type corsOrigins map[string]struct{}

func (o corsOrigins) allows(origin string) bool {
	if origin == "" || len(o) == 0 {
		return false
	}
	_, ok := o[origin]
	return ok
}

// CORS answers preflights for allowlisted origins and decorates their
// responses. An empty allowlist disables cross-origin access.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	origins := corsOrigins(cfg.CORSAllowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := origins.allows(origin)

		if isPreflight(r) {
			if !allowed {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, reqID, &apierror.Error{
					Type:    apierror.ErrPermission,
					Message: "origin is not allowed",
					Code:    "cors_origin",
				}, http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}
