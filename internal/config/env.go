package config

import (
	"os"
	"strconv"
)

// FromEnv overlays PT_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str("PT_DATA_DIR", &cfg.Store.DataDir)
	str("PT_FSYNC", &cfg.Store.Fsync)
	integer("PT_FSYNC_INTERVAL_MS", &cfg.Store.FsyncIntervalMs)
	integer("PT_PARTITIONS", &cfg.Store.Partitions)

	str("PT_LOG_LEVEL", &cfg.Log.Level)
	str("PT_LOG_FORMAT", &cfg.Log.Format)

	t := &cfg.Topic
	integer("PT_CHANNEL_COUNT", &t.ChannelCount)
	integer("PT_PAGE_CAPACITY_BYTES", &t.PageCapacityBytes)
	int64v("PT_CHANNEL_CAPACITY_BYTES", &t.ChannelCapacityBytes)
	integer("PT_MAX_BATCH_BYTES", &t.MaxBatchBytes)
	int64v("PT_MAX_BACKLOG_BYTES", &t.MaxBacklogBytes)
	int64v("PT_RETRY_MILLIS", &t.RetryMillis)
	int64v("PT_TIMEOUT_MILLIS", &t.TimeoutMillis)
	boolean("PT_NOTIFY_ON_FULL", &t.NotifyOnFull)
	int64v("PT_SUBSCRIBER_TIMEOUT_MS", &t.SubscriberTimeoutMs)
	str("PT_ALLOCATION_STRATEGY", &t.AllocationStrategy)
	str("PT_GROUP_START", &t.GroupStart)
	boolean("PT_RETAIN_CONSUMED", &t.RetainConsumed)
	str("PT_CODEC", &t.Codec)
}

func str(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func integer(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64v(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func boolean(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
