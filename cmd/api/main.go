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

	"github.com/zhouzirui/z-copilot/backend/internal/config"
	"github.com/zhouzirui/z-copilot/backend/internal/handler"
	"github.com/zhouzirui/z-copilot/backend/internal/handler/upstream"
	applog "github.com/zhouzirui/z-copilot/backend/internal/log"
	"github.com/zhouzirui/z-copilot/backend/internal/service/ai"
	"github.com/zhouzirui/z-copilot/backend/internal/service/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/service/copilot"
	"github.com/zhouzirui/z-copilot/backend/internal/storage/kv"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		applog.Fatal().Err(err).Msg("failed to load configuration")
	}
	applog.Setup(cfg.Log.Level, cfg.Log.Development)
	if envErr != nil {
		applog.Warn().Err(envErr).Msg("no .env file loaded, continuing with system environment variables only")
	}

	store, err := kv.Open(ctx, cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		applog.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open session store")
	}
	defer store.Close()

	chatService := chat.NewService(store)
	if err := chatService.Load(ctx); err != nil {
		applog.Fatal().Err(err).Msg("failed to load sessions")
	}

	client := copilot.NewClient(cfg.Copilot.BaseURL, cfg.Copilot.HeaderTimeout)
	registry := copilot.NewRegistry(client, chatService, cfg.Copilot.Mode)
	applog.Info().
		Str("base_url", client.BaseURL()).
		Str("mode", string(cfg.Copilot.Mode)).
		Msg("copilot client configured")

	var devUpstream *upstream.Handler
	switch {
	case !cfg.AI.DevUpstream:
		applog.Debug().Msg("dev upstream disabled")
	case !cfg.AI.Enabled():
		applog.Warn().Msg("COPILOT_DEV_UPSTREAM set but Ark 凭证未配置，跳过本地上游")
	default:
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			applog.Warn().Err(err).Msg("failed to initialize dev upstream, continuing without it")
			break
		}
		devUpstream = upstream.New(aiService)
		applog.Info().Str("model", cfg.AI.Model).Msg("dev upstream mounted at /ai")
	}

	router := handler.NewRouter(chatService, registry, devUpstream)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	applog.Info().Str("addr", addr).Msg("copilot backend listening")
	if err := runServer(ctx, srv); err != nil {
		applog.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
