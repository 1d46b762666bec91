package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.SessionTTL != 30*24*time.Hour {
		t.Fatalf("unexpected session ttl %s", cfg.SessionTTL)
	}
	if cfg.SyncBackoffMax != defaultBackoffMax {
		t.Fatalf("unexpected backoff max %s", cfg.SyncBackoffMax)
	}
	if cfg.Argon2.MemoryKiB != defaultArgonMemoryKiB || cfg.Argon2.Parallelism != defaultArgonParallelism {
		t.Fatalf("unexpected argon2 params %+v", cfg.Argon2)
	}
	if !cfg.SyncWatch {
		t.Fatalf("expected realtime watch enabled by default")
	}
}

func TestLoadRejectsInvertedBackoff(t *testing.T) {
	configViper := NewViper()
	configViper.Set("sync.backoff_base", "10s")
	configViper.Set("sync.backoff_max", "1s")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected validation error for inverted backoff bounds")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("NOTTO_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("NOTTO_SYNC_INTERVAL", "45s")
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabasePath != "/tmp/env.db" {
		t.Fatalf("expected env override, got %q", cfg.DatabasePath)
	}
	if cfg.SyncInterval != 45*time.Second {
		t.Fatalf("expected env interval, got %s", cfg.SyncInterval)
	}
}

func TestLoadServerRequiresSigningSecret(t *testing.T) {
	if _, err := LoadServer(NewViper()); err == nil {
		t.Fatalf("expected missing signing secret to fail")
	}

	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	cfg, err := LoadServer(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("unexpected driver %q", cfg.DatabaseDriver)
	}
}

func TestLoadServerRejectsUnknownDriver(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("database.driver", "mysql")
	if _, err := LoadServer(configViper); err == nil {
		t.Fatalf("expected unknown driver to fail")
	}
}
