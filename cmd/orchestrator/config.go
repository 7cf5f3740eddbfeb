package main

import (
	"time"
)

// Config is application config.
type Config struct {
	Server       ServerConf       `json:"server"`
	Orchestrator OrchestratorConf `json:"orchestrator"`
	Data         DataConf         `json:"data"`
	Trace        TraceConf        `json:"trace"`
	// Bootstrap 预置资源（实例、限流规则）的YAML路径，可为空
	Bootstrap string `json:"bootstrap"`
}

// ServerConf is server config.
type ServerConf struct {
	HTTP HTTPConf `json:"http"`
}

type HTTPConf struct {
	Addr string `json:"addr"`
}

// OrchestratorConf 编排器配置，时长字段用Go duration字符串（如"30s"）
type OrchestratorConf struct {
	Strategy            string         `json:"strategy"`
	DefaultTier         string         `json:"default_tier"`
	HealthCheckInterval string         `json:"health_check_interval"`
	SnapshotInterval    string         `json:"snapshot_interval"`
	ProviderTimeout     string         `json:"provider_timeout"`
	Queue               QueueConf      `json:"queue"`
	Scheduler           SchedulerConf  `json:"scheduler"`
	Cache               CacheConf      `json:"cache"`
	LoadMonitor         LoadMonConf    `json:"load_monitor"`
}

type QueueConf struct {
	Capacity          int    `json:"capacity"`
	MaxDeadLetters    int    `json:"max_dead_letters"`
	BackoffBase       string `json:"backoff_base"`
	BackoffMax        string `json:"backoff_max"`
	DefaultMaxRetries int    `json:"default_max_retries"`
	DefaultTimeout    string `json:"default_timeout"`
	TerminalTTL       string `json:"terminal_ttl"`
}

type SchedulerConf struct {
	TickInterval string     `json:"tick_interval"`
	Slots        []SlotConf `json:"slots"`
}

type SlotConf struct {
	Name        string   `json:"name"`
	Kinds       []string `json:"kinds"`
	Concurrency int      `json:"concurrency"`
}

type CacheConf struct {
	MaxEntries     int    `json:"max_entries"`
	MaxTotalSizeMB int    `json:"max_total_size_mb"`
	DefaultTTL     string `json:"default_ttl"`
	SweepInterval  string `json:"sweep_interval"`
}

type LoadMonConf struct {
	Interval  string  `json:"interval"`
	Window    string  `json:"window"`
	Threshold float64 `json:"threshold"`
}

// DataConf is data config.
type DataConf struct {
	Redis  RedisConf  `json:"redis"`
	SQLite SQLiteConf `json:"sqlite"`
	Kafka  KafkaConf  `json:"kafka"`
}

type RedisConf struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type SQLiteConf struct {
	Path string `json:"path"`
}

type KafkaConf struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// TraceConf 追踪配置
type TraceConf struct {
	Enabled      bool    `json:"enabled"`
	Endpoint     string  `json:"endpoint"`
	Environment  string  `json:"environment"`
	SamplingRate float64 `json:"sampling_rate"`
}

// dur 解析duration字符串，空串或非法值取默认
func dur(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
