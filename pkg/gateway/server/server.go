package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-bridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-bridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
	"github.com/vango-go/vai-bridge/pkg/gateway/ratelimit"
)

// Deps are the long-lived components the HTTP surface is wired to.
type Deps struct {
	Approvals handlers.ApprovalService
	Sessions  *sessions.Registry
	Lifecycle *lifecycle.Lifecycle
	// Metrics is optional; /metrics is only served when set.
	Metrics *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConcurrentCalls:    cfg.LimitMaxCallsPerPrincipal,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.deps.Lifecycle,
		Sessions:  s.sessionCounter(),
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	if s.deps.Approvals != nil {
		ah := handlers.ApprovalsHandler{
			Config:  s.cfg,
			Service: s.deps.Approvals,
			Logger:  s.logger,
		}
		if s.deps.Metrics != nil {
			ah.Recorder = s.deps.Metrics
		}
		s.api("GET /v1/approvals", "approvals_list", ah.List)
		s.api("GET /v1/approvals/{id}", "approvals_get", ah.Get)
		s.api("POST /v1/approvals/{id}/approve", "approvals_approve", ah.Approve)
		s.api("POST /v1/approvals/{id}/reject", "approvals_reject", ah.Reject)
	}

	if s.deps.Sessions != nil {
		th := handlers.TelephonyHandler{
			Config:    s.cfg,
			Logger:    s.logger,
			Lifecycle: s.deps.Lifecycle,
			Sessions:  s.deps.Sessions,
			Limiter:   s.limiter,
		}
		if s.deps.Metrics != nil {
			th.Recorder = s.deps.Metrics
		}
		s.mux.Handle("/v1/telephony/stream", th)
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// api registers a JSON API route with its deadline and request metrics.
func (s *Server) api(pattern, route string, fn http.HandlerFunc) {
	var h http.Handler = mw.Deadline(s.cfg.HandlerTimeout, fn)
	h = s.deps.Metrics.Instrument(route, h)
	s.mux.Handle(pattern, h)
}

func (s *Server) onRequestLimited() {
	s.deps.Metrics.RecordRateLimit("request")
}

func (s *Server) sessionCounter() handlers.SessionCounter {
	if s.deps.Sessions == nil {
		return nil
	}
	return s.deps.Sessions
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, s.onRequestLimited, h)
	h = mw.APIVersion(h)
	h = mw.Auth(s.cfg, h)
	h = mw.MaxBody(s.cfg.MaxBodyBytes, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// HTTPServer builds the listener-facing server. WriteTimeout stays zero
// because media streams are long-lived.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}
