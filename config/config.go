// Package config loads the wasm executor's settings from a YAML file and
// environment variables. Every field has a default so the binary runs
// without any configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-executor/agentio"
	"github.com/wippyai/wasm-executor/engine"
	"github.com/wippyai/wasm-executor/host"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config is the root of the configuration file.
type Config struct {
	Runtime Runtime `yaml:"runtime"`
	Store   Store   `yaml:"store"`
	Agents  Agents  `yaml:"agents"`
	HTTP    HTTP    `yaml:"http"`
	Log     Log     `yaml:"log"`
}

// Runtime bounds guest execution.
type Runtime struct {
	Fuel          uint64        `yaml:"fuel"`
	MemoryPages   uint32        `yaml:"memory_pages"`
	Timeout       time.Duration `yaml:"timeout"`
	CacheCapacity int           `yaml:"cache_capacity"`
	CacheDir      string        `yaml:"cache_dir"`
	MaxOutput     int           `yaml:"max_output"`
	MaxEvents     int           `yaml:"max_events"`
	MaxLogLines   int           `yaml:"max_log_lines"`
}

// Store selects the state backend.
type Store struct {
	Driver string `yaml:"driver"` // memory | sqlite
	Path   string `yaml:"path"`
}

// Agents sizes the agent I/O pool and the scheduler.
type Agents struct {
	Workers      int           `yaml:"workers"`
	Queue        int           `yaml:"queue"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	WSTimeout    time.Duration `yaml:"ws_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size"`
	MaxConns     int           `yaml:"max_conns"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// HTTP configures the management API.
type HTTP struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Log configures the process logger.
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Runtime: Runtime{
			Fuel:          engine.DefaultFuel,
			MemoryPages:   engine.DefaultMemoryPages,
			Timeout:       engine.DefaultTimeout,
			CacheCapacity: engine.DefaultCacheCapacity,
			MaxOutput:     host.DefaultLimits.MaxOutput,
			MaxEvents:     host.DefaultLimits.MaxEvents,
			MaxLogLines:   host.DefaultLimits.MaxLogLines,
		},
		Store: Store{
			Driver: DriverMemory,
		},
		Agents: Agents{
			Workers:      agentio.DefaultWorkers,
			Queue:        agentio.DefaultQueue,
			HTTPTimeout:  agentio.DefaultHTTPTimeout,
			WSTimeout:    agentio.DefaultWSTimeout,
			MaxBodySize:  agentio.DefaultMaxBody,
			MaxConns:     agentio.DefaultMaxConns,
			TickInterval: engine.DefaultTickInterval,
		},
		HTTP: HTTP{
			Addr: "127.0.0.1:8080",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Environment variables overriding file values.
const (
	envFuel         = "WASMEXEC_FUEL"
	envMemoryPages  = "WASMEXEC_MEMORY_PAGES"
	envTimeout      = "WASMEXEC_TIMEOUT"
	envCacheDir     = "WASMEXEC_CACHE_DIR"
	envStoreDriver  = "WASMEXEC_STORE_DRIVER"
	envStorePath    = "WASMEXEC_STORE_PATH"
	envTickInterval = "WASMEXEC_TICK_INTERVAL"
	envHTTPAddr     = "WASMEXEC_HTTP_ADDR"
	envJWTSecret    = "WASMEXEC_JWT_SECRET"
	envLogLevel     = "WASMEXEC_LOG_LEVEL"
)

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.Runtime.Fuel, err = envUint(envFuel, c.Runtime.Fuel); err != nil {
		return err
	}
	pages, err := envUint(envMemoryPages, uint64(c.Runtime.MemoryPages))
	if err != nil {
		return err
	}
	c.Runtime.MemoryPages = uint32(pages)
	if c.Runtime.Timeout, err = envDuration(envTimeout, c.Runtime.Timeout); err != nil {
		return err
	}
	if c.Agents.TickInterval, err = envDuration(envTickInterval, c.Agents.TickInterval); err != nil {
		return err
	}
	c.Runtime.CacheDir = envOr(envCacheDir, c.Runtime.CacheDir)
	c.Store.Driver = envOr(envStoreDriver, c.Store.Driver)
	c.Store.Path = envOr(envStorePath, c.Store.Path)
	c.HTTP.Addr = envOr(envHTTPAddr, c.HTTP.Addr)
	c.HTTP.JWTSecret = envOr(envJWTSecret, c.HTTP.JWTSecret)
	c.Log.Level = envOr(envLogLevel, c.Log.Level)
	return nil
}

// Validate rejects values the runtime cannot work with.
func (c Config) Validate() error {
	switch {
	case c.Runtime.Fuel == 0:
		return fmt.Errorf("runtime.fuel must be positive")
	case c.Runtime.MemoryPages == 0 || c.Runtime.MemoryPages > 65536:
		return fmt.Errorf("runtime.memory_pages must be in [1, 65536], got %d", c.Runtime.MemoryPages)
	case c.Runtime.Timeout <= 0:
		return fmt.Errorf("runtime.timeout must be positive")
	case c.Runtime.CacheCapacity <= 0:
		return fmt.Errorf("runtime.cache_capacity must be positive")
	case c.Agents.Workers <= 0 || c.Agents.Queue <= 0:
		return fmt.Errorf("agents.workers and agents.queue must be positive")
	case c.Agents.TickInterval <= 0:
		return fmt.Errorf("agents.tick_interval must be positive")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// Engine converts the runtime and agent sections to an engine.Config.
func (c Config) Engine() engine.Config {
	return engine.Config{
		Fuel:          c.Runtime.Fuel,
		MemoryPages:   c.Runtime.MemoryPages,
		Timeout:       c.Runtime.Timeout,
		CacheCapacity: c.Runtime.CacheCapacity,
		CacheDir:      c.Runtime.CacheDir,
		Limits: host.Limits{
			MaxOutput:   c.Runtime.MaxOutput,
			MaxEvents:   c.Runtime.MaxEvents,
			MaxLogLines: c.Runtime.MaxLogLines,
		},
		IO: agentio.Config{
			Workers:     c.Agents.Workers,
			Queue:       c.Agents.Queue,
			HTTPTimeout: c.Agents.HTTPTimeout,
			WSTimeout:   c.Agents.WSTimeout,
			MaxBodySize: c.Agents.MaxBodySize,
			MaxConns:    c.Agents.MaxConns,
		},
	}
}

// envOr returns the value of the environment variable key, or fallback if not set.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
