package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is read from environment variables. The JWT secret has a development
// fallback; deployments must override it.
type Config struct {
	HTTPPort         string        `env:"HTTP_PORT" env-default:"8080"`
	DatabaseURL      string        `env:"DATABASE_URL" env-default:"postgres://qa:qa@localhost:5432/qa_coverage?sslmode=disable"`
	DatabaseMaxConns int32         `env:"DATABASE_MAX_CONNS" env-default:"10"`
	LogLevel         string        `env:"LOG_LEVEL" env-default:"debug"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
	JWTSecret        string        `env:"JWT_SECRET" env-default:"dev-secret-change-me"`
	TokenTTL         time.Duration `env:"TOKEN_TTL" env-default:"24h"`
}

func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env config: %w", err)
	}
	return cfg, nil
}
