package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-bridge/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-bridge/pkg/gateway/server"
)

func newServeCmd(a *app) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept telephony media streams and serve the approvals API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply approvals migrations on startup (sqlite and postgres only)")
	return cmd
}

func (a *app) serve(ctx context.Context, migrate bool) error {
	cfg, logger := a.cfg, a.logger
	if err := cfg.ValidateRealtime(); err != nil {
		return err
	}

	store, err := openApprovalStore(ctx, cfg, migrate, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close approvals store", "error", err)
		}
	}()

	httpClient := toolHTTPClient(cfg)
	registry, policy, err := buildActions(cfg, httpClient)
	if err != nil {
		return err
	}
	dialer, err := newRealtimeDialer(cfg)
	if err != nil {
		return fmt.Errorf("realtime client: %w", err)
	}

	var calls *sessions.Registry
	m := metrics.New("vai_bridge", func() int { return calls.Count() })
	calls = sessions.NewRegistry(sessionWiring{
		Config:    cfg,
		Logger:    logger,
		Dialer:    dialer,
		Risk:      policy,
		Actions:   registry,
		Approvals: store,
		Recorder:  m,
	}.factory(), sessions.Options{Logger: logger, MaxSessions: cfg.MaxSessions})

	lc := lifecycle.New(time.Now())
	gw := gatewayserver.New(cfg, logger, gatewayserver.Deps{
		Approvals: approvals.NewService(store, registry, logger, cfg.ToolTimeout),
		Sessions:  calls,
		Lifecycle: lc,
		Metrics:   m,
	})
	httpSrv := gw.HTTPServer()

	logger.Info("starting bridge",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"approvals_driver", cfg.ApprovalsDriver,
		"actions", registry.Names(),
		"version", version,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	a.deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer a.deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		_ = calls.StopAll()
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown http server", "error", err)
	}

	// Media streams are hijacked and outlive Shutdown; give live calls the
	// rest of the grace period before closing their sessions.
	if active := calls.Count(); active > 0 {
		logger.Info("waiting for active calls", "active", active)
	}
	if !calls.Wait(shutdownCtx) {
		logger.Warn("grace period elapsed, closing active calls", "active", calls.Count())
		if err := calls.StopAll(); err != nil {
			logger.Warn("stop sessions", "error", err)
		}
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		calls.Wait(waitCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}
