// Package config loads process configuration from environment variables.
package config

import "os"

// Config holds application configuration loaded from environment variables.
type Config struct {
	Game         string
	MoviePath    string
	DatabaseURL  string
	RedisURL     string
	WorkerSecret string
	ListenAddr   string
}

// Load reads configuration from environment variables with sensible defaults.
// DatabaseURL, RedisURL and ListenAddr may be empty, in which case the run
// archive, the shared response cache and the worker listener are disabled.
func Load() *Config {
	return &Config{
		Game:         envOrDefault("TASBOT_GAME", "game"),
		MoviePath:    envOrDefault("TASBOT_MOVIE", ""),
		DatabaseURL:  envOrDefault("DATABASE_URL", ""),
		RedisURL:     envOrDefault("REDIS_URL", ""),
		WorkerSecret: envOrDefault("TASBOT_WORKER_SECRET", "dev-secret-change-me"),
		ListenAddr:   envOrDefault("TASBOT_LISTEN", ""),
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
