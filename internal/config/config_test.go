package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsInDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("BITCOIN_NETWORK", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MoverTimeout != defaultMoverTimeout {
		t.Fatalf("expected mover timeout %s, got %s", defaultMoverTimeout, cfg.MoverTimeout)
	}
	if cfg.MaxReconcileAttempts != defaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultMaxAttempts, cfg.MaxReconcileAttempts)
	}
	if cfg.Bitcoin.Network != "regtest" {
		t.Fatalf("expected regtest, got %s", cfg.Bitcoin.Network)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Address())
	}
}

func TestLoadRequiresStoresOutsideDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestLoadDurations(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("MOVER_TIMEOUT_SECONDS", "12")
	t.Setenv("MOVER_TIMEOUT", "1h")
	t.Setenv("SWEEP_BATCH", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("expected 5s sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.MoverTimeout != 12*time.Second {
		t.Fatalf("seconds variant must win, got %s", cfg.MoverTimeout)
	}
	if cfg.SweepBatch != 25 {
		t.Fatalf("expected batch 25, got %d", cfg.SweepBatch)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"QUOTE_MAX_AGE":            "soon",
		"SHUTDOWN_TIMEOUT_SECONDS": "ten",
		"MAX_RECONCILE_ATTEMPTS":   "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("APP_ENV", "test")
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}

func TestLoadExchangeNeedsCredentials(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("EXCHANGE_API_URL", "https://api.kraken.com")
	t.Setenv("EXCHANGE_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected missing exchange credentials to be rejected")
	}
}

func TestLoadRejectsGraceWithinMoverTimeout(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("MOVER_TIMEOUT_SECONDS", "90")
	t.Setenv("SWEEP_GRACE", "1m")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "SWEEP_GRACE") {
		t.Fatalf("expected SWEEP_GRACE error, got %v", err)
	}
}
