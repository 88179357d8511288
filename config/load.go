package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

// ParseError denotes failing to parse a configuration file.
type ParseError struct {
	File string
	err  error
}

// Error returns the formatted configuration error.
func (pe ParseError) Error() string {
	return fmt.Sprintf("While parsing config %s: %s", pe.File, pe.err.Error())
}

func (pe ParseError) Unwrap() error {
	return pe.err
}

// Loader knows where to find the configuration.
type Loader struct {
	// Path of the config file. Empty to only use defaults, env and flags.
	Path string
	// EnvPrefix is prepended with "_" to the environment variable names.
	// Empty disables the environment.
	EnvPrefix string
	// Flags are the flags defined by BindFlags. Only flags given on the
	// command line override.
	Flags *pflag.FlagSet
}

// Load reads the configuration.
func (l *Loader) Load() (*Config, error) {
	values := defaults()

	if l.Path != "" {
		file, err := readFile(l.Path)
		if err != nil {
			return nil, err
		}
		merge(values, file)
	}
	if l.EnvPrefix != "" {
		l.overlayEnv(values)
	}
	if l.Flags != nil {
		if err := overlayFlags(values, l.Flags); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := decode(values, cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.Options(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := unmarshal(strings.TrimPrefix(filepath.Ext(path), "."), data)
	if err != nil {
		return nil, ParseError{File: path, err: err}
	}
	return m, nil
}

func unmarshal(format string, data []byte) (map[string]interface{}, error) {
	c := make(map[string]interface{})
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, err
		}
	case "json":
		if err := unmarshalJSON(data, c); err != nil {
			return nil, err
		}
	case "toml":
		tree, err := toml.LoadBytes(data)
		if err != nil {
			return nil, err
		}
		c = tree.ToMap()
	default:
		return nil, fmt.Errorf("Unknown format: %s", format)
	}
	return normalize(c), nil
}

// normalize turns the map[interface{}]interface{} of yaml into string keyed maps.
func normalize(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		switch v.(type) {
		case map[interface{}]interface{}, map[string]interface{}:
			m[k] = normalize(cast.ToStringMap(v))
		}
	}
	return m
}

// merge copies src into dst, descending into nested maps.
func merge(dst, src map[string]interface{}) {
	for k, v := range src {
		sub, ok := v.(map[string]interface{})
		if !ok {
			dst[k] = v
			continue
		}
		dsub, ok := dst[k].(map[string]interface{})
		if !ok {
			dsub = make(map[string]interface{})
			dst[k] = dsub
		}
		merge(dsub, sub)
	}
}

// set stores v under the dotted key path.
func set(m map[string]interface{}, key string, v interface{}) {
	path := strings.Split(key, ".")
	for _, p := range path[:len(path)-1] {
		sub, ok := m[p].(map[string]interface{})
		if !ok {
			sub = make(map[string]interface{})
			m[p] = sub
		}
		m = sub
	}
	m[path[len(path)-1]] = v
}

// envKeys are the keys which can be set from the environment.
var envKeys = []string{
	"name",
	"targets",
	"pool.max_connections",
	"pool.max_idle_connections",
	"pool.pending_acquire_max_count",
	"pool.pending_acquire_timeout",
	"pool.max_idle_time",
	"pool.max_life_time",
	"pool.leasing",
	"pool.eviction_interval",
	"pool.inactive_pool_timeout",
	"pool.shared",
	"pool.unpooled",
	"pool.preallocate",
	"pool.validate",
	"dial.network",
	"dial.timeout",
	"dial.keep_alive",
	"dial.rate",
	"dial.burst",
	"dial.io_activity_timeout",
	"metrics.enabled",
	"metrics.prometheus",
	"metrics.statsd",
	"metrics.statsd_prefix",
	"metrics.flush_interval",
	"log.level",
	"log.format",
	"probe.workers",
	"probe.hold",
	"probe.interval",
	"probe.payload",
}

func (l *Loader) envName(key string) string {
	return strings.ToUpper(l.EnvPrefix + "_" + strings.ReplaceAll(key, ".", "_"))
}

func (l *Loader) overlayEnv(values map[string]interface{}) {
	for _, key := range envKeys {
		val, ok := os.LookupEnv(l.envName(key))
		if !ok || val == "" {
			continue
		}
		set(values, key, val)
	}
}

func decode(input map[string]interface{}, out *Config) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return d.Decode(input)
}
