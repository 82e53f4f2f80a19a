package config

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

var AppEnv App

type App struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Worker   WorkerConfig
	Uploads  UploadsConfig
}

type ServerConfig struct {
	Port int `env:"SERVER_PORT,default=8080"`
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST,required"`
	Port     int    `env:"DB_PORT,required"`
	User     string `env:"DB_USER,required"`
	Password string `env:"DB_PASSWORD,required"`
	Name     string `env:"DB_NAME,required"`
}

// RedisConfig is optional; an empty host disables caching entirely.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST"`
	PoolSize int    `env:"REDIS_POOL_SIZE,default=10"`
}

type GatewayConfig struct {
	BaseURL      string        `env:"GATEWAY_BASE_URL,required"`
	User         string        `env:"GATEWAY_USER"`
	Password     string        `env:"GATEWAY_PASS"`
	TextTimeout  time.Duration `env:"GATEWAY_TEXT_TIMEOUT,default=30s"`
	ImageTimeout time.Duration `env:"GATEWAY_IMAGE_TIMEOUT,default=60s"`
}

type WorkerConfig struct {
	Interval  time.Duration `env:"WORKER_INTERVAL,default=30s"`
	BatchSize int           `env:"WORKER_BATCH_SIZE,default=100"`
}

type UploadsConfig struct {
	Dir string `env:"UPLOADS_DIR,default=uploads"`
}

func ReadEnvironment(ctx context.Context) *App {
	_ = godotenv.Load()
	var cfg App
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("Error processing environment variables: %v", err)
	}

	if cfg.Worker.BatchSize <= 0 {
		log.Fatalf("WORKER_BATCH_SIZE must be > 0")
	}
	if cfg.Worker.Interval <= 0 {
		log.Fatalf("WORKER_INTERVAL must be > 0")
	}

	AppEnv = cfg
	return &cfg
}
