package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Allocation strategy names.
const (
	StrategyRange      = "range"
	StrategyRoundRobin = "roundrobin"
)

// Group start positions.
const (
	StartTail = "tail"
	StartHead = "head"
)

// MinRetry is the lower bound applied to the reconnect retry interval.
const MinRetry = time.Second

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Store StoreConfig `json:"store" yaml:"store"`
	Topic TopicConfig `json:"topic" yaml:"topic"`
	Log   LogConfig   `json:"log" yaml:"log"`
}

// StoreConfig configures the local keyed store.
type StoreConfig struct {
	DataDir         string `json:"dataDir" yaml:"dataDir"`
	Fsync           string `json:"fsync" yaml:"fsync"` // always|interval|never
	FsyncIntervalMs int    `json:"fsyncIntervalMs" yaml:"fsyncIntervalMs"`
	Partitions      int    `json:"partitions" yaml:"partitions"`
}

// LogConfig configures pkg/log.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text|json
}

// TopicConfig captures per-topic behaviour. Capacities are payload bytes.
type TopicConfig struct {
	ChannelCount int `json:"channelCount" yaml:"channelCount"`
	// PageCapacityBytes bounds one page. An empty page always accepts one element.
	PageCapacityBytes int `json:"pageCapacityBytes" yaml:"pageCapacityBytes"`
	// ChannelCapacityBytes bounds unconsumed bytes per channel; 0 is unbounded.
	ChannelCapacityBytes int64 `json:"channelCapacityBytes" yaml:"channelCapacityBytes"`
	MaxBatchBytes        int   `json:"maxBatchBytes" yaml:"maxBatchBytes"`
	MaxBacklogBytes      int64 `json:"maxBacklogBytes" yaml:"maxBacklogBytes"`
	RetryMillis          int64 `json:"retryMillis" yaml:"retryMillis"`
	TimeoutMillis        int64 `json:"timeoutMillis" yaml:"timeoutMillis"`
	// NotifyOnFull pauses publishers on a full channel instead of failing elements.
	NotifyOnFull        bool   `json:"notifyOnFull" yaml:"notifyOnFull"`
	SubscriberTimeoutMs int64  `json:"subscriberTimeoutMs" yaml:"subscriberTimeoutMs"`
	AllocationStrategy  string `json:"allocationStrategy" yaml:"allocationStrategy"`
	GroupStart          string `json:"groupStart" yaml:"groupStart"`
	RetainConsumed      bool   `json:"retainConsumed" yaml:"retainConsumed"`
	Codec               string `json:"codec" yaml:"codec"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Store: StoreConfig{
			DataDir:         DefaultDataDir(),
			Fsync:           "interval",
			FsyncIntervalMs: 5,
			Partitions:      16,
		},
		Topic: DefaultTopic(),
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultTopic returns the topic defaults.
func DefaultTopic() TopicConfig {
	return TopicConfig{
		ChannelCount:         17,
		PageCapacityBytes:    1 << 20,
		ChannelCapacityBytes: 0,
		MaxBatchBytes:        1 << 20,
		MaxBacklogBytes:      8 << 20,
		RetryMillis:          1000,
		TimeoutMillis:        30000,
		NotifyOnFull:         true,
		SubscriberTimeoutMs:  300000,
		AllocationStrategy:   StrategyRange,
		GroupStart:           StartTail,
		Codec:                "raw",
	}
}

// Retry returns the reconnect retry interval, never below MinRetry.
func (t TopicConfig) Retry() time.Duration {
	d := time.Duration(t.RetryMillis) * time.Millisecond
	if d < MinRetry {
		return MinRetry
	}
	return d
}

// Timeout returns the reconnect deadline, never below Retry.
func (t TopicConfig) Timeout() time.Duration {
	d := time.Duration(t.TimeoutMillis) * time.Millisecond
	if r := t.Retry(); d < r {
		return r
	}
	return d
}

// SubscriberTimeout returns the heartbeat expiry.
func (t TopicConfig) SubscriberTimeout() time.Duration {
	return time.Duration(t.SubscriberTimeoutMs) * time.Millisecond
}

// Validate checks the topic settings.
func (t TopicConfig) Validate() error {
	var problems []error
	if t.ChannelCount <= 0 {
		problems = append(problems, fmt.Errorf("channelCount must be positive, got %d", t.ChannelCount))
	}
	if t.PageCapacityBytes <= 0 {
		problems = append(problems, fmt.Errorf("pageCapacityBytes must be positive, got %d", t.PageCapacityBytes))
	}
	if t.ChannelCapacityBytes < 0 {
		problems = append(problems, errors.New("channelCapacityBytes must not be negative"))
	}
	if t.MaxBatchBytes <= 0 {
		problems = append(problems, fmt.Errorf("maxBatchBytes must be positive, got %d", t.MaxBatchBytes))
	}
	switch t.AllocationStrategy {
	case StrategyRange, StrategyRoundRobin:
	default:
		problems = append(problems, fmt.Errorf("unknown allocationStrategy %q", t.AllocationStrategy))
	}
	switch t.GroupStart {
	case StartTail, StartHead:
	default:
		problems = append(problems, fmt.Errorf("unknown groupStart %q", t.GroupStart))
	}
	return errors.Join(problems...)
}

// Validate checks the full configuration.
func (c Config) Validate() error {
	var problems []error
	if c.Store.Partitions <= 0 {
		problems = append(problems, fmt.Errorf("store.partitions must be positive, got %d", c.Store.Partitions))
	}
	switch c.Store.Fsync {
	case "", "always", "interval", "never":
	default:
		problems = append(problems, fmt.Errorf("unknown store.fsync %q", c.Store.Fsync))
	}
	if err := c.Topic.Validate(); err != nil {
		problems = append(problems, fmt.Errorf("topic: %w", err))
	}
	return errors.Join(problems...)
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	}
	return cfg, nil
}
