package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lumenwell/serenity/backend/internal/config"
	"github.com/lumenwell/serenity/backend/internal/handler"
	"github.com/lumenwell/serenity/backend/internal/middleware"
	"github.com/lumenwell/serenity/backend/internal/service/ai"
	"github.com/lumenwell/serenity/backend/internal/service/identity"
	"github.com/lumenwell/serenity/backend/internal/storage/local"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, err := local.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open message store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("warning: closing message store: %v", err)
		}
	}()

	deps := handler.Dependencies{
		Store:           store,
		Keys:            middleware.Keys{Anon: cfg.Auth.AnonKey, Service: cfg.Auth.ServiceKey},
		DevTokens:       cfg.Auth.DevTokens,
		ModelName:       cfg.AI.Model,
		RateLimiter:     middleware.NewRateLimiter(cfg.Chat.RateLimit, cfg.Chat.RateBurst),
		MaxPendingBytes: cfg.Chat.MaxPendingBytes,
		MaxRequestBytes: cfg.Chat.MaxRequestBytes,
	}

	if cfg.Auth.JWTSecret != "" {
		issuer, err := identity.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			log.Fatalf("failed to create token issuer: %v", err)
		}
		deps.Issuer = issuer
	} else {
		log.Println("AUTH_JWT_SECRET 未配置，仅接受匿名或服务密钥")
	}

	// Initialize AI service
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		} else {
			deps.Replier = aiService
			deps.Completer = aiService
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	router := handler.NewRouter(deps)

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

	log.Printf("Serenity backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Printf("server error: %v", err)
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
