package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	CRDBDSN       string
	MongoURI      string
	RedisAddr     string
	RabbitURL     string
	ChainEndpoint string
	OTLPEndpoint  string
	HTTPAddr      string

	ReservationTTL     time.Duration
	TransferRequestTTL time.Duration
	RapidScanWindow    time.Duration
	ReentryGrace       time.Duration
	ReconcileInterval  time.Duration
	SweepInterval      time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		CRDBDSN:            os.Getenv("CRDB_DSN"),
		MongoURI:           os.Getenv("MONGO_URI"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RabbitURL:          os.Getenv("RABBIT_URL"),
		ChainEndpoint:      os.Getenv("CHAIN_ENDPOINT"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		HTTPAddr:           envOr("HTTP_ADDR", ":8080"),
		ReservationTTL:     envDuration("RESERVATION_TTL", 10*time.Minute),
		TransferRequestTTL: envDuration("TRANSFER_REQUEST_TTL", 48*time.Hour),
		RapidScanWindow:    envDuration("SCAN_RAPID_WINDOW", 30*time.Second),
		ReentryGrace:       envDuration("SCAN_REENTRY_GRACE", 5*time.Minute),
		ReconcileInterval:  envDuration("RECONCILE_INTERVAL", 5*time.Minute),
		SweepInterval:      envDuration("SWEEP_INTERVAL", time.Minute),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, _ := time.ParseDuration(os.Getenv(key))
	if d == 0 {
		return fallback
	}
	return d
}
