package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vars = []string{
	"HTTP_ADDR", "GRPC_ADDR", "STORE_DRIVER", "DATABASE_URL", "REDIS_ADDR", "CHECKOUT_LOG_PATH",
	"EVENTS_DRIVER", "KAFKA_BROKERS", "KAFKA_TOPIC", "AMQP_URL", "AMQP_EXCHANGE",
	"RESERVE_MAX_ATTEMPTS", "REQUEST_TIMEOUT", "CORS_ALLOWED_ORIGINS", "IDEMPOTENCY_TTL",
	"LOG_LEVEL", "TRACING_ENABLED", "OTEL_SERVICE_NAME", "OTEL_TRACES_SAMPLE_RATE",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_ENVIRONMENT", "SEED_DEMO_STOCK",
}

// clearEnv blanks every variable Load reads; empty counts as unset.
func clearEnv(t *testing.T) {
	for _, k := range vars {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, EventsNone, cfg.EventsDriver)
	assert.Equal(t, 3, cfg.ReserveMaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.False(t, cfg.TracingEnabled)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://pos@db/pos")
	t.Setenv("EVENTS_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RESERVE_MAX_ATTEMPTS", "5")
	t.Setenv("REQUEST_TIMEOUT", "2s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://till.example, https://admin.example")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("SEED_DEMO_STOCK", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, EventsKafka, cfg.EventsDriver)
	assert.Equal(t, 5, cfg.ReserveMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, []string{"https://till.example", "https://admin.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.TracingEnabled)
	assert.True(t, cfg.SeedDemoStock)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"attempts not a number", map[string]string{"RESERVE_MAX_ATTEMPTS": "many"}, "RESERVE_MAX_ATTEMPTS"},
		{"attempts zero", map[string]string{"RESERVE_MAX_ATTEMPTS": "0"}, "at least 1"},
		{"bad timeout", map[string]string{"REQUEST_TIMEOUT": "soon"}, "REQUEST_TIMEOUT"},
		{"negative ttl", map[string]string{"IDEMPOTENCY_TTL": "-1m"}, "IDEMPOTENCY_TTL"},
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"unknown store", map[string]string{"STORE_DRIVER": "mongo"}, "STORE_DRIVER"},
		{"kafka without brokers", map[string]string{"EVENTS_DRIVER": "kafka"}, "KAFKA_BROKERS"},
		{"unknown events", map[string]string{"EVENTS_DRIVER": "sqs"}, "EVENTS_DRIVER"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad bool", map[string]string{"TRACING_ENABLED": "maybe"}, "TRACING_ENABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
