// cmd/worker/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"order-dispatch-service/internal/app"
	"order-dispatch-service/internal/config"
	"order-dispatch-service/internal/entity"
	"order-dispatch-service/internal/worker"
)

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

	kinds := parseFamilies(os.Getenv("WORKER_FAMILIES"), logger)
	skus := splitList(os.Getenv("WORKER_SKUS"))
	scale := minuteScale()

	runner := worker.NewRunner(a.Dispatcher, scale, logger)
	pool := worker.NewPool(a.Dispatcher, runner, kinds, skus, cfg.Workers, logger)

	logger.Info("worker started",
		zap.Int("workers", cfg.Workers),
		zap.Any("families", kinds),
		zap.Strings("skus", skus),
	)
	pool.Run(ctx)

	logger.Info("worker stopped")
}

// parseFamilies reads the comma-separated family list; unset means serve
// every family this deployment knows about.
func parseFamilies(v string, log *zap.Logger) []entity.Family {
	if v == "" {
		return nil
	}
	var out []entity.Family
	for _, s := range strings.Split(v, ",") {
		fam, err := entity.ParseFamily(strings.TrimSpace(s))
		if err != nil {
			log.Fatal("bad WORKER_FAMILIES entry", zap.String("value", s))
		}
		out = append(out, fam)
	}
	return out
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func minuteScale() time.Duration {
	if v := os.Getenv("MINUTE_SCALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return time.Minute
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
