package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/actions"
	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/egress"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/realtime"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
	"github.com/vango-go/vai-bridge/pkg/gateway/risk"
)

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", raw)
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// approvalStore is a Store the command owns and must close.
type approvalStore struct {
	approvals.Store
	close func() error
}

func (s approvalStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// openApprovalStore opens the configured store. SQL stores are migrated
// first when migrate is set.
func openApprovalStore(ctx context.Context, cfg config.Config, migrate bool, logger *slog.Logger) (approvalStore, error) {
	switch cfg.ApprovalsDriver {
	case "", config.ApprovalsDriverMemory:
		logger.Warn("approvals are kept in memory and are lost on restart")
		return approvalStore{Store: approvals.NewMemoryStore()}, nil
	case config.ApprovalsDriverSQLite, config.ApprovalsDriverPostgres:
	default:
		return approvalStore{}, fmt.Errorf("unsupported approvals driver %q", cfg.ApprovalsDriver)
	}

	store, err := approvals.OpenSQL(ctx, cfg.ApprovalsDriver, cfg.ApprovalsDSN)
	if err != nil {
		return approvalStore{}, err
	}
	if migrate {
		applied, err := approvals.Migrate(ctx, store.DB(), cfg.ApprovalsDriver)
		if err != nil {
			_ = store.Close()
			return approvalStore{}, err
		}
		if len(applied) > 0 {
			logger.Info("approvals migrations applied", "versions", applied)
		}
	}
	return approvalStore{Store: store, close: store.Close}, nil
}

// buildActions loads the action catalog and its risk policy.
func buildActions(cfg config.Config, httpClient *http.Client) (*actions.Registry, *risk.Policy, error) {
	cat := actions.DefaultCatalog()
	if path := strings.TrimSpace(cfg.ActionsFile); path != "" {
		loaded, err := actions.LoadCatalog(path)
		if err != nil {
			return nil, nil, err
		}
		cat = loaded
	}

	deps := actions.BuildDeps{HTTPClient: httpClient}
	if tavily := actions.NewTavilyClient(cfg.TavilyAPIKey, cfg.TavilyBaseURL, httpClient); tavily.Configured() {
		deps.Research = tavily
	}

	reg, err := actions.Build(cat, deps)
	if err != nil {
		return nil, nil, fmt.Errorf("build actions: %w", err)
	}
	policy, err := risk.NewPolicy(reg.Definitions())
	if err != nil {
		return nil, nil, fmt.Errorf("build risk policy: %w", err)
	}
	return reg, policy, nil
}

func newRealtimeDialer(cfg config.Config) (session.Dialer, error) {
	client, err := realtime.NewClient(realtime.Config{
		URL:              cfg.RealtimeURL,
		APIKey:           cfg.RealtimeAPIKey,
		Model:            cfg.RealtimeModel,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WSWriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	return session.DialerFunc(func(ctx context.Context) (session.Link, error) {
		conn, err := client.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}), nil
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Instructions:         cfg.Instructions,
		Voice:                cfg.Voice,
		TranscriptionModel:   cfg.TranscriptionModel,
		VADThreshold:         cfg.VADThreshold,
		VADPrefixPaddingMS:   cfg.VADPrefixPaddingMS,
		VADSilenceMS:         cfg.VADSilenceMS,
		ConfirmationPhrases:  cfg.ConfirmationPhrases,
		AutoExecuteHighRisk:  cfg.AutoExecuteHighRisk,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		BackoffUnit:          cfg.ReconnectBackoffUnit,
		PollInterval:         cfg.PollInterval,
		IdlePollInterval:     cfg.IdlePollInterval,
		ToolTimeout:          cfg.ToolTimeout,
		SendTimeout:          cfg.WSWriteTimeout,
	}
}

type sessionWiring struct {
	Config    config.Config
	Logger    *slog.Logger
	Dialer    session.Dialer
	Risk      session.RiskClassifier
	Actions   session.ActionRegistry
	Approvals session.ApprovalStore
	Recorder  session.Recorder
}

func (w sessionWiring) factory() sessions.Factory {
	scfg := sessionConfig(w.Config)
	return func(parent context.Context, callID string, actor principal.Actor, sink session.AudioSink, onTerminal func()) (*session.Session, error) {
		return session.New(parent, session.Dependencies{
			CallID:     callID,
			Actor:      actor,
			Sink:       sink,
			Dialer:     w.Dialer,
			Risk:       w.Risk,
			Actions:    w.Actions,
			Approvals:  w.Approvals,
			Logger:     w.Logger,
			Recorder:   w.Recorder,
			Config:     scfg,
			OnTerminal: onTerminal,
		})
	}
}

func toolHTTPClient(cfg config.Config) *http.Client {
	timeout := cfg.ToolTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return egress.NewClient(&http.Client{Timeout: timeout}, egress.Policy{AllowPrivate: cfg.WebhookAllowPrivate})
}
