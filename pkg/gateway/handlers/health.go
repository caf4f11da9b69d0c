package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// SessionCounter reports how many calls currently hold a session.
type SessionCounter interface {
	Count() int
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  SessionCounter
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		AtCapacity     bool     `json:"at_capacity"`
		AuthMode       string   `json:"auth_mode"`
		ActiveSessions int      `json:"active_sessions"`
		MaxSessions    int      `json:"max_sessions,omitempty"`
		UptimeSeconds  int64    `json:"uptime_seconds"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if err := h.Config.ValidateRealtime(); err != nil {
		issues = append(issues, err.Error())
	}
	if h.Config.MaxReconnectAttempts <= 0 || h.Config.ReconnectBackoffUnit <= 0 {
		issues = append(issues, "reconnect policy must be > 0")
	}
	if h.Config.PollInterval <= 0 || h.Config.IdlePollInterval <= 0 {
		issues = append(issues, "poll intervals must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	active := 0
	if h.Sessions != nil {
		active = h.Sessions.Count()
	}
	full := h.Config.MaxSessions > 0 && active >= h.Config.MaxSessions

	ok := len(issues) == 0 && !draining && !full
	status := http.StatusOK
	switch {
	case draining, full:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:             ok,
		Draining:       draining,
		AtCapacity:     full,
		AuthMode:       string(h.Config.AuthMode),
		ActiveSessions: active,
		MaxSessions:    h.Config.MaxSessions,
		UptimeSeconds:  int64(h.Lifecycle.Uptime(time.Now()) / time.Second),
		Issues:         issues,
	})
}
