package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/tip-ledger/api"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and batch scheduler",
		Long: `Serve starts the HTTP API. With SCHEDULER_ENABLED=true it also drafts the
last closed period's batch for every location on SCHEDULER_INTERVAL.

On SIGINT/SIGTERM it stops the scheduler, drains active requests for up
to SERVER_TIMEOUT and closes the database.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set: actors are taken from X-Actor-ID headers")
	}

	// Handler and router
	handler := api.NewHandler(a.svc, cfg.PeriodConfig(), log)
	router := api.NewRouter(handler, cfg.JWTSecret)

	// Scheduler
	scheduler := api.NewBatchScheduler(a.svc, cfg.PeriodConfig(), log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.AutoFinaliseAfter = cfg.Scheduler.AutoFinaliseAfter
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ServerTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Infof("server starting on http://localhost:%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
