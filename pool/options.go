package pool

import (
	"errors"
	"runtime"
	"time"
)

// LeasingStrategy decides which idle connection is handed out first.
type LeasingStrategy int

const (
	// LIFO hands out the most recently released connection.
	LIFO LeasingStrategy = iota
	// FIFO hands out the least recently released connection.
	FIFO
)

func (l LeasingStrategy) String() string {
	if l == FIFO {
		return "fifo"
	}
	return "lifo"
}

// pendingFromMax makes the pending queue limit twice the max connections.
const pendingFromMax = -2

// Defaults
var (
	DefaultMaxConnections        = 2 * maxInt(runtime.NumCPU(), 8)
	DefaultPendingAcquireTimeout = 45 * time.Second
)

// Settings are the limits of a single key pool.
type Settings struct {
	// MaxConnections bounds idle plus acquired connections. Unbounded for an
	// elastic pool.
	MaxConnections int
	// MaxIdleConnections bounds the idle set. Unbounded means only
	// MaxConnections applies, 0 keeps no idle connections at all.
	MaxIdleConnections int
	// PendingAcquireMaxCount bounds the pending queue. Unbounded for no limit.
	PendingAcquireMaxCount int
	// PendingAcquireTimeout is how long an acquisition may stay queued.
	// Zero or negative imposes no deadline besides the callers context.
	PendingAcquireTimeout time.Duration
	// MaxIdleTime evicts connections idle this long. Zero disables.
	MaxIdleTime time.Duration
	// MaxLifeTime evicts connections this old. Zero disables.
	MaxLifeTime time.Duration
	// Leasing picks between LIFO and FIFO reuse of idle connections.
	Leasing LeasingStrategy
}

func (s *Settings) resolve() error {
	if s.MaxConnections == 0 || s.MaxConnections < Unbounded {
		return errors.New("invalid capacity settings")
	}
	if s.MaxIdleConnections < Unbounded {
		return errors.New("invalid idle capacity settings")
	}
	if s.PendingAcquireMaxCount == pendingFromMax {
		if s.MaxConnections == Unbounded {
			s.PendingAcquireMaxCount = Unbounded
		} else {
			s.PendingAcquireMaxCount = 2 * s.MaxConnections
		}
	}
	if s.PendingAcquireMaxCount < Unbounded {
		return errors.New("invalid pending acquire settings")
	}
	if s.MaxIdleTime < 0 || s.MaxLifeTime < 0 {
		return errors.New("negative eviction time")
	}
	return nil
}

type keyOverride struct {
	key  string
	opts []Option
}

// Options configure a Provider. They are set once at construction.
type Options struct {
	Settings

	Validator Validator
	Closer    Closer
	Logger    LoggerFunc

	// EvictionInterval runs a background sweep of idle connections. Zero disables.
	EvictionInterval time.Duration
	// InactivePoolTimeout tears down pools which have been empty this long.
	// Needs the background sweep. Zero disables.
	InactivePoolTimeout time.Duration

	MetricsEnabled bool
	Registrar      func() MeterRegistrar

	// Shared serves all keys from one pool under AnyKey.
	Shared bool

	// Preallocate lists keys for which pools are created at construction.
	Preallocate []string

	overrides []keyOverride
	now       func() time.Time
}

// DefaultOptions returns the options a Provider is built from before
// applying any Option.
func DefaultOptions() Options {
	return Options{
		Settings: Settings{
			MaxConnections:         DefaultMaxConnections,
			MaxIdleConnections:     Unbounded,
			PendingAcquireMaxCount: pendingFromMax,
			PendingAcquireTimeout:  DefaultPendingAcquireTimeout,
		},
		now: time.Now,
	}
}

// settingsFor returns the resolved settings for a pool key.
func (o *Options) settingsFor(key string) (Settings, error) {
	s := o.Settings
	for _, ov := range o.overrides {
		if ov.key != key {
			continue
		}
		tmp := Options{Settings: s}
		for _, opt := range ov.opts {
			opt(&tmp)
		}
		s = tmp.Settings
	}
	err := s.resolve()
	return s, err
}

// Option sets a Provider option
type Option func(*Options)

// MaxConnections sets the max number of connections per key.
func MaxConnections(n int) Option {
	return func(o *Options) {
		o.MaxConnections = n
	}
}

// MaxIdleConnections sets the max number of idle connections per key.
func MaxIdleConnections(n int) Option {
	return func(o *Options) {
		o.MaxIdleConnections = n
	}
}

// PendingAcquireMaxCount sets the max number of queued acquisitions per key.
func PendingAcquireMaxCount(n int) Option {
	return func(o *Options) {
		o.PendingAcquireMaxCount = n
	}
}

// PendingAcquireTimeout sets how long an acquisition can be queued.
func PendingAcquireTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.PendingAcquireTimeout = d
	}
}

// MaxIdleTime sets how long a connection can stay idle.
func MaxIdleTime(d time.Duration) Option {
	return func(o *Options) {
		o.MaxIdleTime = d
	}
}

// MaxLifeTime sets how long a connection can live.
func MaxLifeTime(d time.Duration) Option {
	return func(o *Options) {
		o.MaxLifeTime = d
	}
}

// Leasing sets the idle connection reuse order.
func Leasing(l LeasingStrategy) Option {
	return func(o *Options) {
		o.Leasing = l
	}
}

// Validate sets the liveness probe run before handing out or pooling a connection.
func Validate(v Validator) Option {
	return func(o *Options) {
		o.Validator = v
	}
}

// CloseWith sets how raw connections are disposed. Default is Close().
func CloseWith(c Closer) Option {
	return func(o *Options) {
		o.Closer = c
	}
}

// Logger sets a function to log pool events.
func Logger(f LoggerFunc) Option {
	return func(o *Options) {
		o.Logger = f
	}
}

// EvictInBackground runs a sweep of all idle connections at the interval.
func EvictInBackground(interval time.Duration) Option {
	return func(o *Options) {
		o.EvictionInterval = interval
	}
}

// DisposeInactivePools makes the background sweep tear down pools which have
// had no connections and no pending acquisitions for the given duration.
// If no eviction interval is set, the duration is used as interval.
func DisposeInactivePools(inactivity time.Duration) Option {
	return func(o *Options) {
		o.InactivePoolTimeout = inactivity
	}
}

// Metrics enables or disables registering pools with a MeterRegistrar.
// The supplier is called at most once, and never if disabled.
func Metrics(enabled bool, supplier func() MeterRegistrar) Option {
	return func(o *Options) {
		o.MetricsEnabled = enabled
		o.Registrar = supplier
	}
}

// Shared makes the Provider use a single pool for all keys.
// Connections still belong to the key they were created for.
func Shared() Option {
	return func(o *Options) {
		o.Shared = true
	}
}

// Preallocate creates the pools for the keys when the provider is created.
func Preallocate(keys ...string) Option {
	return func(o *Options) {
		o.Preallocate = append(o.Preallocate, keys...)
	}
}

// ForKey applies the limit options (MaxConnections, MaxIdleConnections,
// PendingAcquireMaxCount, PendingAcquireTimeout, MaxIdleTime, MaxLifeTime,
// Leasing) only to the pool of key. Other options given are ignored.
func ForKey(key string, opts ...Option) Option {
	return func(o *Options) {
		o.overrides = append(o.overrides, keyOverride{key: key, opts: opts})
	}
}

func withClock(now func() time.Time) Option {
	return func(o *Options) {
		o.now = now
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
