package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-bridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
)

func requestIDFromContext(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}

// writeError maps err onto the API envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := requestIDFromContext(r)
	ae, status := apierror.FromError(err, reqID)
	apierror.Write(w, reqID, ae, status)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	apierror.Write(w, requestIDFromContext(r), &apierror.Error{
		Type:    apierror.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	}, http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
