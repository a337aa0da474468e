package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Topic.GroupStart != StartTail {
		t.Fatalf("default group start should be tail")
	}
	if cfg.Store.Partitions != 16 {
		t.Fatalf("partitions default")
	}
}

func TestRetryClamp(t *testing.T) {
	tc := DefaultTopic()
	tc.RetryMillis = 10
	tc.TimeoutMillis = 20
	if tc.Retry() != time.Second {
		t.Fatalf("retry not clamped: %v", tc.Retry())
	}
	if tc.Timeout() != time.Second {
		t.Fatalf("timeout should be raised to retry: %v", tc.Timeout())
	}
}

func TestLoadJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pt.json")
	data := []byte(`{"store":{"partitions":32},"topic":{"channelCount":4,"pageCapacityBytes":3,"groupStart":"head"}}`)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Partitions != 32 || cfg.Topic.ChannelCount != 4 || cfg.Topic.PageCapacityBytes != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Topic.GroupStart != StartHead {
		t.Fatalf("expected head")
	}
	if cfg.Topic.MaxBatchBytes != DefaultTopic().MaxBatchBytes {
		t.Fatalf("unset fields should keep defaults")
	}
}

func TestLoadYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pt.yaml")
	data := []byte("topic:\n  channelCount: 8\n  allocationStrategy: roundrobin\nlog:\n  level: debug\n")
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Topic.ChannelCount != 8 || cfg.Topic.AllocationStrategy != StrategyRoundRobin || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.Topic.ChannelCount = 0
	cfg.Topic.AllocationStrategy = "random"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("PT_CHANNEL_COUNT", "3")
	t.Setenv("PT_NOTIFY_ON_FULL", "false")
	t.Setenv("PT_PARTITIONS", "24")
	FromEnv(&cfg)
	if cfg.Topic.ChannelCount != 3 {
		t.Fatalf("env override channel count")
	}
	if cfg.Topic.NotifyOnFull {
		t.Fatalf("env override bool")
	}
	if cfg.Store.Partitions != 24 {
		t.Fatalf("env override partitions")
	}
}
