package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-executor/agentio"
	"github.com/wippyai/wasm-executor/host"
)

// Defaults applied to zero Config fields.
const (
	DefaultFuel          = 50_000_000
	DefaultMemoryPages   = 256 // 16 MiB
	DefaultTimeout       = 5 * time.Second
	DefaultCacheCapacity = 16
)

// Config bounds every guest call of a Runtime.
type Config struct {
	// Fuel is the instruction budget of one guest call.
	Fuel uint64
	// MemoryPages caps a guest's linear memory in 64 KiB pages.
	MemoryPages uint32
	// Timeout is the wall-clock limit of one guest call.
	Timeout time.Duration
	// CacheCapacity is the number of compiled modules kept in the code store.
	CacheCapacity int
	// CacheDir enables wazero's on-disk compilation cache when set.
	CacheDir string
	// Limits bound per-call host buffers.
	Limits host.Limits
	// IO sizes the agent I/O pool.
	IO agentio.Config
}

func (c *Config) applyDefaults() {
	if c.Fuel == 0 {
		c.Fuel = DefaultFuel
	}
	if c.MemoryPages == 0 {
		c.MemoryPages = DefaultMemoryPages
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithConfig sets resource limits. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(r *Runtime) {
		r.cfg = cfg
	}
}

// WithLogger sets the logger. Without it the runtime uses Logger().
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRegistry replaces the host function table. It must contain every
// function the packages import.
func WithRegistry(reg *host.Registry) Option {
	return func(r *Runtime) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// WithIOOptions passes options to the agent I/O pool.
func WithIOOptions(opts ...agentio.Option) Option {
	return func(r *Runtime) {
		r.ioOpts = append(r.ioOpts, opts...)
	}
}
