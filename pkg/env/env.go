// Package env consolidates environment variable reading for the proxy.
// Values here are defaults; cobra flags in cmd/proxy override them at
// startup (see pkg/config.Load).
package env

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names (single source of truth).
const (
	Port                  = "PROXY_PORT"
	LogLevel              = "LOG_LEVEL"
	Workers               = "PROXY_WORKERS"
	QueueCapacity         = "PROXY_QUEUE_CAPACITY"
	MaxInFlight           = "PROXY_MAX_IN_FLIGHT"
	CacheMaxBytes         = "CACHE_MAX_BYTES"
	CacheMaxElementBytes  = "CACHE_MAX_ELEMENT_BYTES"
	CacheDefaultTTL       = "CACHE_DEFAULT_TTL_SECONDS"
	PoolSize              = "UPSTREAM_POOL_SIZE"
	PoolKeepAliveWindow   = "UPSTREAM_KEEPALIVE_WINDOW_SECONDS"
	UpstreamRecvTimeout   = "UPSTREAM_RECV_TIMEOUT_SECONDS"
	MaxRequestSize        = "PROXY_MAX_REQUEST_BYTES"
	MaxResponseSize       = "PROXY_MAX_RESPONSE_BYTES"
	MetricsAddr           = "METRICS_ADDR"
)

func String(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func Int(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultVal
}
