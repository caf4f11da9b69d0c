package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-bridge/pkg/gateway/auth"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
	"github.com/vango-go/vai-bridge/pkg/gateway/ratelimit"
)

// RateLimit applies request admission to the approvals API. Telephony
// upgrades are admitted per call by the stream handler instead, since their
// permit must outlive this handler frame. onLimited, when set, runs for each
// rejected request.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, onLimited func(), next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbePath(r.URL.Path) || r.Method == http.MethodOptions || auth.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AcquireRequest(principal.Approver(r, cfg.TrustProxyHeaders), time.Now())
		if !dec.Allowed {
			if onLimited != nil {
				onLimited()
			}
			reqID, _ := RequestIDFrom(r.Context())
			WriteRateLimited(w, reqID, dec.RetryAfter)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}

// WriteRateLimited renders a 429 with Retry-After when retryAfter is known.
func WriteRateLimited(w http.ResponseWriter, reqID string, retryAfter int) {
	ae := &apierror.Error{
		Type:    apierror.ErrRateLimit,
		Message: "rate limit exceeded",
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		v := retryAfter
		ae.RetryAfter = &v
	}
	apierror.Write(w, reqID, ae, http.StatusTooManyRequests)
}
