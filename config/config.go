// Package config loads service configuration from environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the API process needs at startup.
type Config struct {
	DatabaseURL     string `env:"DATABASE_URL,required"`
	JWTSecret       string `env:"JWT_SECRET,required"`
	ListenAddr      string `env:"LISTEN_ADDR" envDefault:":8080"`
	ShutdownTimeout int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"10"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
