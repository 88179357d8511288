// Package config loads the configuration of a set of connection pools from
// a file, the environment and command line flags, in increasing order of
// precedence, and translates it into pool and dial options.
//
// The file format is chosen by extension: .toml, .yaml, .yml or .json.
// Environment variables are named <PREFIX>_<KEY> with dots replaced by '_',
// like NETPOOL_POOL_MAX_CONNECTIONS.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/One-com/gone/netpool/dial"
	"github.com/One-com/gone/netpool/pool"
)

// Config is the complete configuration.
type Config struct {
	Name    string               `mapstructure:"name"`
	Targets []string             `mapstructure:"targets"`
	Pool    Pool                 `mapstructure:"pool"`
	Keys    map[string]KeyLimits `mapstructure:"keys"`
	Dial    Dial                 `mapstructure:"dial"`
	Metrics Metrics              `mapstructure:"metrics"`
	Log     Log                  `mapstructure:"log"`
	Probe   Probe                `mapstructure:"probe"`
}

// KeyLimits override the pool limits for a single key. Unset fields keep
// the value of the Pool section.
type KeyLimits struct {
	MaxConnections         *int           `mapstructure:"max_connections"`
	MaxIdleConnections     *int           `mapstructure:"max_idle_connections"`
	PendingAcquireMaxCount *int           `mapstructure:"pending_acquire_max_count"`
	PendingAcquireTimeout  *time.Duration `mapstructure:"pending_acquire_timeout"`
	MaxIdleTime            *time.Duration `mapstructure:"max_idle_time"`
	MaxLifeTime            *time.Duration `mapstructure:"max_life_time"`
	Leasing                string         `mapstructure:"leasing"`
}

// Pool holds the provider settings. Zero values mean the pool defaults,
// -1 means unbounded for the counts.
type Pool struct {
	KeyLimits           `mapstructure:",squash"`
	EvictionInterval    time.Duration `mapstructure:"eviction_interval"`
	InactivePoolTimeout time.Duration `mapstructure:"inactive_pool_timeout"`
	Shared              bool          `mapstructure:"shared"`
	Unpooled            bool          `mapstructure:"unpooled"`
	Preallocate         bool          `mapstructure:"preallocate"`
	Validate            bool          `mapstructure:"validate"`
}

// Dial holds the TCP factory settings.
type Dial struct {
	Network           string        `mapstructure:"network"`
	Timeout           time.Duration `mapstructure:"timeout"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	Rate              float64       `mapstructure:"rate"`
	Burst             int           `mapstructure:"burst"`
	IOActivityTimeout time.Duration `mapstructure:"io_activity_timeout"`
}

// Metrics holds the registrar settings.
type Metrics struct {
	Enabled       bool          `mapstructure:"enabled"`
	Prometheus    string        `mapstructure:"prometheus"` // listen address of /metrics
	Statsd        string        `mapstructure:"statsd"`     // UDP address
	StatsdPrefix  string        `mapstructure:"statsd_prefix"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Log holds the logging settings.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// Probe holds the load generator settings of the probe command.
type Probe struct {
	Workers  int           `mapstructure:"workers"`
	Hold     time.Duration `mapstructure:"hold"`
	Interval time.Duration `mapstructure:"interval"`
	Payload  string        `mapstructure:"payload"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"name": "netpool",
		"pool": map[string]interface{}{
			"pending_acquire_timeout": "45s",
			"leasing":                 "lifo",
		},
		"dial": map[string]interface{}{
			"network":    "tcp",
			"timeout":    "5s",
			"keep_alive": "30s",
		},
		"metrics": map[string]interface{}{
			"statsd_prefix":  "netpool",
			"flush_interval": "10s",
		},
		"log": map[string]interface{}{
			"level":  "info",
			"format": "text",
		},
		"probe": map[string]interface{}{
			"workers":  4,
			"hold":     "10ms",
			"interval": "100ms",
		},
	}
}

func parseLeasing(s string) (pool.LeasingStrategy, error) {
	switch strings.ToLower(s) {
	case "", "lifo":
		return pool.LIFO, nil
	case "fifo":
		return pool.FIFO, nil
	}
	return pool.LIFO, fmt.Errorf("unknown leasing strategy %q", s)
}

func (k KeyLimits) options() ([]pool.Option, error) {
	var opts []pool.Option
	if k.MaxConnections != nil && *k.MaxConnections != 0 {
		opts = append(opts, pool.MaxConnections(*k.MaxConnections))
	}
	if k.MaxIdleConnections != nil {
		opts = append(opts, pool.MaxIdleConnections(*k.MaxIdleConnections))
	}
	if k.PendingAcquireMaxCount != nil {
		opts = append(opts, pool.PendingAcquireMaxCount(*k.PendingAcquireMaxCount))
	}
	if k.PendingAcquireTimeout != nil {
		opts = append(opts, pool.PendingAcquireTimeout(*k.PendingAcquireTimeout))
	}
	if k.MaxIdleTime != nil {
		opts = append(opts, pool.MaxIdleTime(*k.MaxIdleTime))
	}
	if k.MaxLifeTime != nil {
		opts = append(opts, pool.MaxLifeTime(*k.MaxLifeTime))
	}
	if k.Leasing != "" {
		l, err := parseLeasing(k.Leasing)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pool.Leasing(l))
	}
	return opts, nil
}

// Options translates the configuration into pool options. Logging,
// validation and metrics are left to the caller, except the Validate
// setting which uses dial.Alive.
func (c *Config) Options() ([]pool.Option, error) {
	opts, err := c.Pool.options()
	if err != nil {
		return nil, err
	}
	if c.Pool.EvictionInterval > 0 {
		opts = append(opts, pool.EvictInBackground(c.Pool.EvictionInterval))
	}
	if c.Pool.InactivePoolTimeout > 0 {
		opts = append(opts, pool.DisposeInactivePools(c.Pool.InactivePoolTimeout))
	}
	if c.Pool.Shared {
		opts = append(opts, pool.Shared())
	}
	if c.Pool.Unpooled {
		opts = append(opts, pool.MaxConnections(pool.Unbounded), pool.MaxIdleConnections(0))
	}
	if c.Pool.Preallocate && !c.Pool.Shared {
		opts = append(opts, pool.Preallocate(c.Targets...))
	}
	if c.Pool.Validate {
		opts = append(opts, pool.Validate(dial.Alive))
	}
	for key, k := range c.Keys {
		kopts, err := k.options()
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		opts = append(opts, pool.ForKey(key, kopts...))
	}
	return opts, nil
}

// DialOptions translates the configuration into dial options.
func (c *Config) DialOptions() []dial.Option {
	var opts []dial.Option
	if c.Dial.Network != "" {
		opts = append(opts, dial.Network(c.Dial.Network))
	}
	if c.Dial.Timeout > 0 {
		opts = append(opts, dial.Timeout(c.Dial.Timeout))
	}
	if c.Dial.KeepAlive != 0 {
		opts = append(opts, dial.KeepAlive(c.Dial.KeepAlive))
	}
	if c.Dial.Rate > 0 {
		burst := c.Dial.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, dial.Rate(c.Dial.Rate, burst))
	}
	if c.Dial.IOActivityTimeout > 0 {
		opts = append(opts, dial.IOActivityTimeout(c.Dial.IOActivityTimeout, c.Dial.IOActivityTimeout/4))
	}
	return opts
}
