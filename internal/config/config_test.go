package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TASBOT_GAME", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TASBOT_LISTEN", "")

	cfg := Load()
	if cfg.Game != "game" {
		t.Errorf("expected default game, got %q", cfg.Game)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("expected empty database URL, got %q", cfg.DatabaseURL)
	}
	if cfg.ListenAddr != "" {
		t.Errorf("expected no listen addr by default, got %q", cfg.ListenAddr)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TASBOT_GAME", "karate")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("TASBOT_WORKER_SECRET", "s3cret")
	t.Setenv("TASBOT_LISTEN", ":8009")

	cfg := Load()
	if cfg.Game != "karate" {
		t.Errorf("expected karate, got %q", cfg.Game)
	}
	if cfg.ListenAddr != ":8009" {
		t.Errorf("expected listen addr override, got %q", cfg.ListenAddr)
	}
	if cfg.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("expected redis URL override, got %q", cfg.RedisURL)
	}
	if cfg.WorkerSecret != "s3cret" {
		t.Errorf("expected secret override, got %q", cfg.WorkerSecret)
	}
}
