package config

import "time"

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the scheduling engine (tick cadence, concurrency
	// ceiling, trigger timezone, history retention).
	Engine EngineConfig `json:"engine"`

	Database *DatabaseConfig `json:"database,omitempty"`
	Redis    *RedisConfig    `json:"redis,omitempty"`
	Broker   *BrokerConfig   `json:"broker,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig configures the scheduling engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1s"
//   - max_concurrent: 0 (unbounded)
//   - timezone: process-local
//   - history_size: 200
type EngineConfig struct {
	// TickInterval is the loop cadence and the effective trigger resolution.
	TickInterval string `json:"tick_interval,omitempty"`

	// MaxConcurrent caps simultaneously running actions across all tasks.
	// 0 means unbounded.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	Timezone    string `json:"timezone,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`

	// DrainTimeout bounds how long Stop waits for in-flight runs.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// TickInterval resolved against the default; invalid strings surface an error.
func (e EngineConfig) ResolveTickInterval() (time.Duration, error) {
	return ParseDurationOrDefault("engine.tick_interval", e.TickInterval, time.Second)
}

func (e EngineConfig) ResolveDrainTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("engine.drain_timeout", e.DrainTimeout, 10*time.Second)
}

// DatabaseConfig controls the optional relational store used by task
// actions. Driver is "mysql" or "sqlite"; Path applies to sqlite only.
type DatabaseConfig struct {
	Driver   string `json:"driver"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	Name     string `json:"name,omitempty"`
	Path     string `json:"path,omitempty"`

	MaxOpenConns int `json:"max_open_conns,omitempty"`
	MaxIdleConns int `json:"max_idle_conns,omitempty"`
	// ConnMaxLifetime is a Go duration string.
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty"`
}

// RedisConfig controls the optional cache/broker connection.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	PoolSize int    `json:"pool_size,omitempty"`
	// DialTimeout is a Go duration string.
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// BrokerConfig controls run-event fanout over Redis pub/sub.
type BrokerConfig struct {
	Enabled bool `json:"enabled"`
	// ChannelPrefix namespaces the pub/sub channels. Default "schedcore".
	ChannelPrefix string `json:"channel_prefix,omitempty"`
}

func (b *BrokerConfig) Prefix() string {
	if b == nil || b.ChannelPrefix == "" {
		return "schedcore"
	}
	return b.ChannelPrefix
}
