package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/handler"
	"github.com/zhouzirui/z-relay/backend/internal/logging"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
	"github.com/zhouzirui/z-relay/backend/internal/service/auth"
	"github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log, os.Stderr); err != nil {
		return err
	}
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file loaded, using process environment only")
	}

	aiService, err := newBridge(ctx, cfg.AI)
	if err != nil {
		return err
	}

	users, err := auth.New(auth.Options{Secret: cfg.Auth.Secret, TokenTTL: cfg.Auth.TokenTTL})
	if err != nil {
		return err
	}

	sessions := session.New(chat.NewService(), aiService, session.Options{
		Greeting:      cfg.Session.Greeting,
		IdleTTL:       cfg.Session.IdleTTL,
		EvictInterval: cfg.Session.EvictInterval,
	})

	router := handler.NewRouter(sessions, users, cfg.Server.CorsOrigins)
	return runServer(ctx, cfg.Server, router, sessions)
}

// newBridge builds the LLM bridge. Missing credentials leave the server
// running with every reply degraded to the fallback message.
func newBridge(ctx context.Context, cfg config.AIConfig) (*ai.Service, error) {
	if !cfg.Enabled() {
		log.Warn().Str("provider", cfg.Provider).Msg("LLM credentials or MODEL_NAME missing, replies will use the fallback message")
		return ai.NewServiceWithModel(ctx, nil, cfg)
	}

	svc, err := ai.NewService(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Str("provider", cfg.Provider).Msg("failed to initialize LLM, replies will use the fallback message")
		return ai.NewServiceWithModel(ctx, nil, cfg)
	}
	log.Info().Str("provider", cfg.Provider).Str("model", cfg.Model).Msg("LLM bridge initialized")
	return svc, nil
}

func runServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, sessions *session.Multiplexer) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return sessions.RunEvictionLoop(egCtx)
	})

	eg.Go(func() error {
		log.Info().Str("addr", serverCfg.Addr).Msg("Z Relay backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
