// Command server runs the cipherchat relay: chat rooms and contact presence
// over WebSocket.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/auth"
	"github.com/Tyrowin/cipherchat/internal/chatapi"
	"github.com/Tyrowin/cipherchat/internal/presence"
	"github.com/Tyrowin/cipherchat/internal/server"
)

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	return cfg.Build()
}

func main() {
	// a missing .env is fine, the environment may already be set
	_ = godotenv.Load()

	cfg := server.NewConfigFromEnv().Sanitize()
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(cfg server.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.UpstreamTimeout)
	rdb, err := presence.Dial(dialCtx, cfg.RedisURL)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()
	store := presence.NewRedisStore(rdb)

	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	var verifier auth.Verifier
	if cfg.AuthJWTSecret != "" {
		log.Info("verifying tokens locally")
		verifier = auth.NewJWTVerifier([]byte(cfg.AuthJWTSecret))
	} else {
		verifier = auth.NewHTTPVerifier(cfg.AuthVerifyURL, httpClient, log.Named("auth"))
	}

	srv, err := server.New(cfg, server.Deps{
		Presence: store,
		Verifier: verifier,
		Chat:     chatapi.New(cfg.ChatAPIURL, httpClient, log.Named("chatapi")),
		Health:   store,
	}, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
