// Package config loads proxy configuration from the environment.
package config

import (
	"fmt"
	"time"

	"httpcacheproxy/pkg/env"
)

// Config holds the process-wide tunables for the proxy, cache, connection
// pool and worker pool. There is no config file and nothing is persisted
// to disk (spec.md §6): every field here comes from an environment
// variable default, optionally overridden by a CLI flag in cmd/proxy.
type Config struct {
	// Port the proxy listens on for client connections.
	Port int

	// LogLevel for the structured logger ("DEBUG", "INFO", "WARN", "ERROR").
	LogLevel string

	// Workers is the fixed worker pool size (spec.md §4.3, default 4).
	Workers int
	// QueueCapacity bounds the FIFO task queue; submit beyond this rejects.
	QueueCapacity int
	// MaxInFlight bounds concurrent in-progress requests independent of
	// worker count (spec.md §4.3 concurrency-limit semaphore).
	MaxInFlight int

	// CacheMaxBytes is the cache's total byte budget.
	CacheMaxBytes int64
	// CacheMaxElementBytes rejects any single entry above this size.
	CacheMaxElementBytes int64
	// CacheDefaultTTL is used when a response doesn't otherwise specify one.
	CacheDefaultTTL time.Duration

	// PoolSize is the fixed number of connection-pool slots.
	PoolSize int
	// PoolKeepAliveWindow bounds how long an idle pooled socket may sit
	// before it is no longer eligible for reuse.
	PoolKeepAliveWindow time.Duration

	// UpstreamRecvTimeout bounds a single upstream read.
	UpstreamRecvTimeout time.Duration
	// MaxRequestBytes caps the client request-line+headers buffer.
	MaxRequestBytes int
	// MaxResponseBytes caps the buffered upstream response.
	MaxResponseBytes int

	// MetricsAddr is the diagnostics listener address ("host:port"); a
	// host with port 0 disables it.
	MetricsAddr string
}

// Default returns the built-in defaults: port 8080, 4 workers, 8 KiB
// request cap, 1 MiB response cap, 5s upstream timeout, 1 hour default
// TTL, 20 pool slots.
func Default() *Config {
	return &Config{
		Port:                 8080,
		LogLevel:             "INFO",
		Workers:              4,
		QueueCapacity:        256,
		MaxInFlight:          64,
		CacheMaxBytes:        64 * 1024 * 1024,
		CacheMaxElementBytes: 1 * 1024 * 1024,
		CacheDefaultTTL:      3600 * time.Second,
		PoolSize:             20,
		PoolKeepAliveWindow:  90 * time.Second,
		UpstreamRecvTimeout:  5 * time.Second,
		MaxRequestBytes:      8 * 1024,
		MaxResponseBytes:     1024 * 1024,
		MetricsAddr:          "127.0.0.1:9090",
	}
}

// Load builds a Config from built-in defaults overridden by environment
// variables. CLI flags (cmd/proxy) are applied on top of the result.
func Load() *Config {
	c := Default()
	c.Port = env.Int(env.Port, c.Port)
	c.LogLevel = env.String(env.LogLevel, c.LogLevel)
	c.Workers = env.Int(env.Workers, c.Workers)
	c.QueueCapacity = env.Int(env.QueueCapacity, c.QueueCapacity)
	c.MaxInFlight = env.Int(env.MaxInFlight, c.MaxInFlight)
	c.CacheMaxBytes = int64(env.Int(env.CacheMaxBytes, int(c.CacheMaxBytes)))
	c.CacheMaxElementBytes = int64(env.Int(env.CacheMaxElementBytes, int(c.CacheMaxElementBytes)))
	c.CacheDefaultTTL = time.Duration(env.Int(env.CacheDefaultTTL, int(c.CacheDefaultTTL/time.Second))) * time.Second
	c.PoolSize = env.Int(env.PoolSize, c.PoolSize)
	c.PoolKeepAliveWindow = time.Duration(env.Int(env.PoolKeepAliveWindow, int(c.PoolKeepAliveWindow/time.Second))) * time.Second
	c.UpstreamRecvTimeout = time.Duration(env.Int(env.UpstreamRecvTimeout, int(c.UpstreamRecvTimeout/time.Second))) * time.Second
	c.MaxRequestBytes = env.Int(env.MaxRequestSize, c.MaxRequestBytes)
	c.MaxResponseBytes = env.Int(env.MaxResponseSize, c.MaxResponseBytes)
	c.MetricsAddr = env.String(env.MetricsAddr, c.MetricsAddr)
	return c
}

// Validate rejects configurations that would leave the proxy unable to
// start (spec.md §6: invalid port -> non-zero exit).
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be in 1..65535", c.Port)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("invalid worker count %d: must be positive", c.Workers)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("invalid connection pool size %d: must be positive", c.PoolSize)
	}
	if c.CacheMaxElementBytes > c.CacheMaxBytes {
		return fmt.Errorf("cache max element bytes (%d) exceeds cache max bytes (%d)", c.CacheMaxElementBytes, c.CacheMaxBytes)
	}
	return nil
}
