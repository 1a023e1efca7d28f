package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Scheduler.CatchupMaxEnqueue != 3 {
		t.Errorf("Scheduler.CatchupMaxEnqueue = %d, want 3", cfg.Scheduler.CatchupMaxEnqueue)
	}
	if cfg.Scheduler.DealInterval != time.Hour {
		t.Errorf("Scheduler.DealInterval = %v, want 1h", cfg.Scheduler.DealInterval)
	}
	if cfg.Worker.RetryBackoff != 2.0 {
		t.Errorf("Worker.RetryBackoff = %v, want 2.0", cfg.Worker.RetryBackoff)
	}
	if !cfg.Deal.VerifyDiscoverability || !cfg.Deal.VerifyRetrieval {
		t.Error("deal gates should default to enabled")
	}
	if cfg.Metrics.RetentionDays != 90 {
		t.Errorf("Metrics.RetentionDays = %d, want 90", cfg.Metrics.RetentionDays)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("SCHEDULER_CATCHUP_MAX_ENQUEUE", "7")
	t.Setenv("DEAL_SCHEDULE_INTERVAL", "45m")
	t.Setenv("DEAL_VERIFY_RETRIEVAL", "false")
	t.Setenv("IPNI_MAX_QPS", "0.5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Scheduler.CatchupMaxEnqueue != 7 {
		t.Errorf("Scheduler.CatchupMaxEnqueue = %d, want 7", cfg.Scheduler.CatchupMaxEnqueue)
	}
	if cfg.Scheduler.DealInterval != 45*time.Minute {
		t.Errorf("Scheduler.DealInterval = %v, want 45m", cfg.Scheduler.DealInterval)
	}
	if cfg.Deal.VerifyRetrieval {
		t.Error("Deal.VerifyRetrieval should be disabled by env")
	}
	if cfg.Discoverability.MaxQPS != 0.5 {
		t.Errorf("Discoverability.MaxQPS = %v, want 0.5", cfg.Discoverability.MaxQPS)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WORKER_RETRY_LIMIT", "lots")
	t.Setenv("WORKER_RETRY_DELAY", "soon")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Worker.RetryLimit != 3 {
		t.Errorf("Worker.RetryLimit = %d, want default 3", cfg.Worker.RetryLimit)
	}
	if cfg.Worker.RetryDelay != 30*time.Second {
		t.Errorf("Worker.RetryDelay = %v, want default 30s", cfg.Worker.RetryDelay)
	}
}

func TestValidateRejectsBadInvariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero catch-up cap", func(c *Config) { c.Scheduler.CatchupMaxEnqueue = 0 }},
		{"zero concurrency", func(c *Config) { c.Worker.LocalConcurrency = 0 }},
		{"backoff below one", func(c *Config) { c.Worker.RetryBackoff = 0.5 }},
		{"block larger than payload", func(c *Config) { c.Deal.BlockSize = c.Deal.PayloadSize + 1 }},
		{"zero poll interval", func(c *Config) { c.Discoverability.PollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("LoadConfig() error: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should reject the configuration")
			}
		})
	}
}
