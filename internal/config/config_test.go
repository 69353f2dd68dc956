package config

import (
	"testing"
	"time"
)

// Test: defaults match the documented lock and namespace tuning.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Lock.Timeout != 300*time.Second {
		t.Errorf("lock timeout = %v, want 300s", cfg.Lock.Timeout)
	}
	if cfg.Lock.MaxRounds != 5 {
		t.Errorf("lock rounds = %d, want 5", cfg.Lock.MaxRounds)
	}
	if cfg.Lock.PollInterval != time.Second {
		t.Errorf("poll interval = %v, want 1s", cfg.Lock.PollInterval)
	}

	if cfg.Report.ShardPrefix != "shards" || cfg.Report.ReportPrefix != "reports" || cfg.Report.LockPrefix != "locks" {
		t.Errorf("namespace prefixes = %q/%q/%q",
			cfg.Report.ShardPrefix, cfg.Report.ReportPrefix, cfg.Report.LockPrefix)
	}
	if cfg.Report.MaxShardBytes != 64<<20 {
		t.Errorf("max shard bytes = %d", cfg.Report.MaxShardBytes)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Worker.PoolSize != 2 {
		t.Errorf("pool size = %d", cfg.Worker.PoolSize)
	}
}

// Test: environment variables override defaults.
func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT", "45s")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("WORKER_POOL_SIZE", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Lock.Timeout != 45*time.Second {
		t.Errorf("lock timeout = %v, want 45s", cfg.Lock.Timeout)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
	if cfg.Worker.PoolSize != 8 {
		t.Errorf("pool size = %d", cfg.Worker.PoolSize)
	}
}
