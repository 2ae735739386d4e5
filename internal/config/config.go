// Package config loads the service configuration from the environment (and
// an optional .env file via the caller). Family price tables live in a
// separate YAML file; secrets never do.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"order-dispatch-service/internal/entity"
)

type Config struct {
	Env      string
	HTTPAddr string

	RedisAddr   string
	PostgresDSN string // optional; empty disables the job archive

	FamiliesPath string
	TokenSecret  string
	TokenTTL     time.Duration
	StatusTTL    time.Duration

	WebhookSecret string
	WebhookGuard  string
	DeployHookURL string

	GatewayBaseURL   string
	GatewayKeyID     string
	GatewayKeySecret string
	PaymentTestMode  bool

	MailEndpoint string
	MailAPIKey   string
	MailFrom     string

	// WorkerKeys holds the per-family credential allow-lists. WORKER_KEYS
	// is the shared fallback applied to every family; WORKER_KEYS_<FAMILY>
	// extends it. Each value is comma-separated.
	WorkerKeys map[entity.Family][]string

	Workers   int
	PollDelay time.Duration
}

func Load() Config {
	cfg := Config{
		Env:      getEnv("APP_ENV", "development"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),

		FamiliesPath: getEnv("FAMILIES_CONFIG", "families.yaml"),
		TokenSecret:  os.Getenv("TOKEN_SECRET"),
		TokenTTL:     getDuration("TOKEN_TTL", 7*24*time.Hour),
		StatusTTL:    getDuration("STATUS_TTL", 7*24*time.Hour),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		WebhookGuard:  os.Getenv("WEBHOOK_GUARD"),
		DeployHookURL: os.Getenv("DEPLOY_HOOK_URL"),

		GatewayBaseURL:   getEnv("GATEWAY_BASE_URL", "https://api.gateway.test"),
		GatewayKeyID:     os.Getenv("GATEWAY_KEY_ID"),
		GatewayKeySecret: os.Getenv("GATEWAY_KEY_SECRET"),
		PaymentTestMode:  getBool("PAYMENT_TEST_MODE", false),

		MailEndpoint: os.Getenv("MAIL_ENDPOINT"),
		MailAPIKey:   os.Getenv("MAIL_API_KEY"),
		MailFrom:     getEnv("MAIL_FROM", "jobs@example.test"),

		Workers:   getInt("WORKERS", 4),
		PollDelay: getDuration("POLL_DELAY", 5*time.Second),
	}

	shared := splitKeys(os.Getenv("WORKER_KEYS"))
	cfg.WorkerKeys = map[entity.Family][]string{}
	for _, fam := range entity.Families {
		envKey := "WORKER_KEYS_" + strings.ToUpper(string(fam))
		keys := append([]string{}, shared...)
		keys = append(keys, splitKeys(os.Getenv(envKey))...)
		cfg.WorkerKeys[fam] = keys
	}
	return cfg
}

func splitKeys(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
