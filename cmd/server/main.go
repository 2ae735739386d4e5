// cmd/server/main.go
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
	"go.uber.org/zap"

	"order-dispatch-service/internal/app"
	"order-dispatch-service/internal/config"
	"order-dispatch-service/internal/hooks"
	"order-dispatch-service/internal/payment"
	httptransport "order-dispatch-service/internal/transport/http"
)

// @title Order Dispatch Service
// @version 1.0
// @description Order tokens, payment verification and job dispatch for the compute marketplace.
// @BasePath /api/v1
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init failed", zap.Error(err))
	}
	defer a.Close()

	webhooks := payment.NewWebhookVerifier([]byte(cfg.WebhookSecret), cfg.WebhookGuard)
	deploy := hooks.NewDeployTrigger(cfg.DeployHookURL, logger)

	var archive httptransport.ArchiveReader
	if a.Archive != nil {
		archive = a.Archive
	}

	diag := []httptransport.SecretDiag{
		httptransport.NewSecretDiag("TOKEN_SECRET", cfg.TokenSecret),
		httptransport.NewSecretDiag("WEBHOOK_SECRET", cfg.WebhookSecret),
		httptransport.NewSecretDiag("GATEWAY_KEY_SECRET", cfg.GatewayKeySecret),
		httptransport.NewSecretDiag("MAIL_API_KEY", cfg.MailAPIKey),
	}

	h := httptransport.NewHandler(a.Dispatcher, webhooks, deploy, archive, diag, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(h, cfg.WorkerKeys, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
