package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-bridge/pkg/gateway/auth"
)

const (
	apiVersionHeader = "X-Bridge-Version"
	apiVersion       = "1"
)

// APIVersion pins /v1 API requests to the served version and echoes it on
// the response. A request without the header gets the current version.
// Media stream upgrades are not versioned.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !versioned(r) {
			next.ServeHTTP(w, r)
			return
		}
		if bad, ok := unsupportedVersion(r.Header.Values(apiVersionHeader)); ok {
			reqID, _ := RequestIDFrom(r.Context())
			apierror.Write(w, reqID, &apierror.Error{
				Type:    apierror.ErrInvalidRequest,
				Message: "unsupported API version " + bad,
				Param:   apiVersionHeader,
				Code:    "unsupported_version",
			}, http.StatusBadRequest)
			return
		}
		w.Header().Set(apiVersionHeader, apiVersion)
		next.ServeHTTP(w, r)
	})
}

func versioned(r *http.Request) bool {
	switch {
	case r.Method == http.MethodOptions, auth.IsWebSocketUpgrade(r):
		return false
	default:
		return r.URL.Path == "/v1" || strings.HasPrefix(r.URL.Path, "/v1/")
	}
}

// unsupportedVersion returns the first listed version other than the served
// one. Values may repeat the header or be comma separated.
func unsupportedVersion(values []string) (string, bool) {
	for _, value := range values {
		for _, v := range strings.Split(value, ",") {
			v = strings.TrimSpace(v)
			if v != "" && v != apiVersion {
				return v, true
			}
		}
	}
	return "", false
}
