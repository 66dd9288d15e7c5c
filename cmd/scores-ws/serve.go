package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/api"
	"github.com/dgnsrekt/scores-ws/internal/auth"
	"github.com/dgnsrekt/scores-ws/internal/config"
	"github.com/dgnsrekt/scores-ws/internal/dedup"
	"github.com/dgnsrekt/scores-ws/internal/history"
	"github.com/dgnsrekt/scores-ws/internal/ingest"
	"github.com/dgnsrekt/scores-ws/internal/notify"
	"github.com/dgnsrekt/scores-ws/internal/poller"
	"github.com/dgnsrekt/scores-ws/internal/server"
	"github.com/dgnsrekt/scores-ws/internal/ws"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the score feed and serve websocket subscribers",
		Long: `Poll the upstream score feed and republish every new score, in id order,
to websocket subscribers connected at / or /ws.

Credentials are read from SCORESWS_CLIENT_ID and SCORESWS_CLIENT_SECRET.

Examples:
  # Serve with config.toml from the working directory
  scores-ws serve

  # Only taiko scores, debug logging
  SCORESWS_API_RULESET=taiko scores-ws serve -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	logger.Info("configuration loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("baseURL", cfg.API.BaseURL),
		zap.String("ruleset", cfg.API.Ruleset),
		zap.String("historyBackend", cfg.History.Backend),
		zap.Int("historyMaxEntries", cfg.History.MaxEntries),
		zap.Uint64("dedupWindow", cfg.Dedup.Window),
		zap.String("overflowPolicy", cfg.WS.OverflowPolicy),
		zap.Bool("notify", cfg.Notify.Enabled),
	)

	// History
	log, err := history.Open(cfg.History.Backend, cfg.History.Dir, logger)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() {
		if err := log.Close(); err != nil {
			logger.Warn("closing history", zap.Error(err))
		}
	}()

	if cfg.History.MaxEntries > 0 {
		pruner, err := history.NewPruner(log, cfg.History.MaxEntries, cfg.History.PruneInterval(), logger)
		if err != nil {
			return fmt.Errorf("creating pruner: %w", err)
		}
		pruner.Start()
		defer func() { _ = pruner.Shutdown() }()
	}

	// Hub outlives the request contexts; cancelling it closes every session.
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()

	hub := ws.NewHub(cfg.WS.QueueSize, config.OverflowPolicy(cfg.WS.OverflowPolicy), logger)
	go hub.Run(hubCtx)

	// Upstream
	authorizer := auth.NewClientCredentials(cfg.Auth.TokenURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret, cfg.Auth.Scopes, logger)
	client := api.NewClient(api.Options{
		BaseURL:       cfg.API.BaseURL,
		Ruleset:       cfg.API.Ruleset,
		RatePerSecond: cfg.API.RatePerSecond,
		Burst:         cfg.API.Burst,
		Timeout:       cfg.API.Timeout(),
		RetryCount:    cfg.API.RetryCount,
		RetryDelay:    cfg.API.RetryDelay(),
		MaxBackoff:    cfg.API.MaxBackoff(),
	}, authorizer, logger)

	p := poller.New(client, notify.New(&cfg.Notify, logger), poller.Options{
		Interval: cfg.Poller.PollInterval(),
		Cooldown: cfg.Poller.Cooldown(),
		MaxPages: cfg.Poller.MaxPages,
		ResumeID: cfg.Poller.ResumeID,
	}, logger)

	pipeline := ingest.New(dedup.New(cfg.Dedup.Window), log, hub, logger)

	// HTTP
	wsHandler := ws.NewHandler(hub, log, ws.SessionOptions{
		InitialTimeout: cfg.WS.InitialTimeout(),
		ReplayChunk:    cfg.WS.ReplayChunk,
	}, logger)

	srv := server.NewServer(log, pipeline.Stats, hub, wsHandler, logger)
	router, err := server.NewRouter(srv, wsHandler, logger)
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	pipeCtx, cancelPipe := context.WithCancel(ctx)
	defer cancelPipe()

	pipelineErr := make(chan error, 1)
	go func() {
		pipelineErr <- pipeline.Run(pipeCtx, p)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-serverErr:
		logger.Error("server error", zap.Error(err))
		runErr = err
	case err := <-pipelineErr:
		if err != nil {
			logger.Error("ingest pipeline stopped", zap.Error(err))
			runErr = err
		}
	}

	// Stop polling before closing subscribers
	cancelPipe()
	cancelHub()

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	sessionsDone := make(chan struct{})
	go func() {
		wsHandler.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-shutdownCtx.Done():
		logger.Warn("sessions still open at shutdown", zap.Int("sessions", wsHandler.Active()))
	}

	logger.Info("server stopped", zap.Uint64("accepted", pipeline.Stats().Accepted))
	return runErr
}
