package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvironment(t *testing.T) {
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "postgres")
	t.Setenv("DB_PASSWORD", "postgres")
	t.Setenv("DB_NAME", "waschedule")
	t.Setenv("GATEWAY_BASE_URL", "http://localhost:3001")
	t.Setenv("GATEWAY_USER", "admin")
	t.Setenv("GATEWAY_PASS", "secret")
	t.Setenv("WORKER_INTERVAL", "45s")
	t.Setenv("WORKER_BATCH_SIZE", "50")

	cfg := ReadEnvironment(context.Background())

	assert.Equal(t, 8080, cfg.Server.Port, "default port")
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "http://localhost:3001", cfg.Gateway.BaseURL)
	assert.Equal(t, "admin", cfg.Gateway.User)
	assert.Equal(t, 30*time.Second, cfg.Gateway.TextTimeout, "default text timeout")
	assert.Equal(t, 60*time.Second, cfg.Gateway.ImageTimeout, "default image timeout")
	assert.Equal(t, 45*time.Second, cfg.Worker.Interval)
	assert.Equal(t, 50, cfg.Worker.BatchSize)
	assert.Equal(t, "uploads", cfg.Uploads.Dir, "default uploads dir")
}

func TestReadEnvironment_RedisOptional(t *testing.T) {
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "postgres")
	t.Setenv("DB_PASSWORD", "postgres")
	t.Setenv("DB_NAME", "waschedule")
	t.Setenv("GATEWAY_BASE_URL", "http://localhost:3001")

	cfg := ReadEnvironment(context.Background())
	assert.Empty(t, cfg.Redis.Host)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
}
