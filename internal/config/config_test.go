package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.SessionTTL != 15*time.Minute {
		t.Fatalf("expected SESSION_TTL 15m, got %s", cfg.SessionTTL)
	}
	if cfg.MessageFreshnessWindow != 5*time.Minute {
		t.Fatalf("expected MESSAGE_FRESHNESS_WINDOW 5m, got %s", cfg.MessageFreshnessWindow)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected postgres store, got %s", cfg.StoreDriver)
	}
	if cfg.KafkaBrokerList() != nil {
		t.Fatalf("expected no kafka brokers by default")
	}
	if cfg.JWTSecret != "" {
		t.Fatalf("expected admin signing secret to be unset by default")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HTTP_ADDR", ":18080")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("MESSAGE_FRESHNESS_WINDOW", "2m")
	t.Setenv("WORLDID_APP_ID", "app_test")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("UNVERIFIED_POST_LIMIT", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.HTTPAddr != ":18080" {
		t.Fatalf("expected HTTP_ADDR override, got %s", cfg.HTTPAddr)
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("expected STORE_DRIVER override, got %s", cfg.StoreDriver)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("expected SESSION_TTL 30m, got %s", cfg.SessionTTL)
	}
	if cfg.MessageFreshnessWindow != 2*time.Minute {
		t.Fatalf("expected MESSAGE_FRESHNESS_WINDOW 2m, got %s", cfg.MessageFreshnessWindow)
	}
	if cfg.WorldIDAppID != "app_test" {
		t.Fatalf("expected WORLDID_APP_ID override, got %s", cfg.WorldIDAppID)
	}
	if cfg.UnverifiedPostLimit != 3 {
		t.Fatalf("expected UNVERIFIED_POST_LIMIT 3, got %d", cfg.UnverifiedPostLimit)
	}
	brokers := cfg.KafkaBrokerList()
	if len(brokers) != 2 || brokers[0] != "k1:9092" || brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", brokers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_DRIVER", "sqlite")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown store driver to fail")
	}

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("GRPC_ADDR", ":9090")
	if _, err := Load(); err == nil {
		t.Fatalf("expected grpc without service token to fail")
	}
}
