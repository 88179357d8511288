package config

import (
	"fmt"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
)

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"name":            "name",
	"target":          "targets",
	"max-connections": "pool.max_connections",
	"max-idle":        "pool.max_idle_connections",
	"pending-max":     "pool.pending_acquire_max_count",
	"pending-timeout": "pool.pending_acquire_timeout",
	"max-idle-time":   "pool.max_idle_time",
	"max-life-time":   "pool.max_life_time",
	"leasing":         "pool.leasing",
	"evict-interval":  "pool.eviction_interval",
	"shared":          "pool.shared",
	"validate":        "pool.validate",
	"dial-timeout":    "dial.timeout",
	"dial-rate":       "dial.rate",
	"metrics":         "metrics.enabled",
	"prometheus":      "metrics.prometheus",
	"statsd":          "metrics.statsd",
	"log-level":       "log.level",
	"workers":         "probe.workers",
	"hold":            "probe.hold",
}

// BindFlags defines the flags overriding configuration values on fs.
// The defaults shown are not applied, only explicitly given flags are.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("name", "netpool", "name of the provider")
	fs.StringSlice("target", nil, "address to connect to (repeatable)")
	fs.Int("max-connections", 0, "max connections per target, -1 for unbounded")
	fs.Int("max-idle", -1, "max idle connections per target, -1 for max-connections")
	fs.Int("pending-max", 0, "max queued acquisitions per target, -1 for unbounded")
	fs.Duration("pending-timeout", 0, "max time an acquisition may be queued")
	fs.Duration("max-idle-time", 0, "close connections idle this long")
	fs.Duration("max-life-time", 0, "close connections this old")
	fs.String("leasing", "lifo", "idle connection reuse order: lifo or fifo")
	fs.Duration("evict-interval", 0, "background eviction interval")
	fs.Bool("shared", false, "use one pool for all targets")
	fs.Bool("validate", false, "check idle connections for liveness")
	fs.Duration("dial-timeout", 0, "dial timeout")
	fs.Float64("dial-rate", 0, "max new connections per second per target")
	fs.Bool("metrics", false, "enable pool metrics")
	fs.String("prometheus", "", "listen address for /metrics")
	fs.String("statsd", "", "statsd UDP address")
	fs.String("log-level", "info", "log level")
	fs.Int("workers", 0, "number of probe workers")
	fs.Duration("hold", 0, "how long a worker holds a connection")
}

func overlayFlags(values map[string]interface{}, fs *pflag.FlagSet) (err error) {
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed || err != nil {
			return
		}
		var v interface{}
		switch f.Value.Type() {
		case "int":
			v, err = cast.ToIntE(f.Value.String())
		case "bool":
			v, err = cast.ToBoolE(f.Value.String())
		case "duration":
			v, err = cast.ToDurationE(f.Value.String())
		case "float64":
			v, err = cast.ToFloat64E(f.Value.String())
		case "stringSlice":
			var s []string
			s, err = fs.GetStringSlice(f.Name)
			v = cast.ToStringSlice(s)
		default:
			v = f.Value.String()
		}
		if err != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, err)
			return
		}
		set(values, key, v)
	})
	return
}
