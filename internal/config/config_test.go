// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("SHARQ_SHARQ_KEY_PREFIX")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sharq.KeyPrefix != "sharq" {
		t.Fatalf("expected default key prefix %q, got %q", "sharq", cfg.Sharq.KeyPrefix)
	}
	if cfg.Sharq.DefaultJobRequeueLimit != -1 {
		t.Fatalf("expected default requeue limit -1, got %d", cfg.Sharq.DefaultJobRequeueLimit)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Sharq.KeyPrefix = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty key_prefix")
	}

	cfg = defaultConfig()
	cfg.Sharq.JobExpireInterval = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for job_expire_interval <= 0")
	}

	cfg = defaultConfig()
	cfg.Sharq.DefaultJobRequeueLimit = -2
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for requeue limit < -1")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for out-of-range metrics_port")
	}
}
