// Package config loads host configuration from an optional file and BRIDGE_*
// environment variables. Durations accept human forms such as 30m, 1d or 1w
// and memory sizes accept quantities such as 512Mi.
package config

import (
	"strings"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
	"k8s.io/apimachinery/pkg/api/resource"
)

// EnvPrefix prefixes every environment override, pool.size is BRIDGE_POOL_SIZE
const EnvPrefix = "BRIDGE"

type Recycle struct {
	MaxRequests int64
	MaxAge      time.Duration
	// MaxMemoryBytes is parsed from pool.recycle.max_memory
	MaxMemoryBytes uint64
}

type Degraded struct {
	ErrorThreshold   int
	Window           time.Duration
	Cooldown         time.Duration
	LatencyThreshold time.Duration
}

type Respawn struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Pool struct {
	Size           int
	MaxConcurrency int
	WorkerCommand  string
	WorkerArgs     []string
	// WorkerEnvFile holds KEY=value lines added to every worker's environment
	WorkerEnvFile string
	// RemoteTarget serves workers from a gRPC worker server instead of child processes
	RemoteTarget      string
	Recycle           Recycle
	Degraded          Degraded
	Respawn           Respawn
	DrainGrace        time.Duration
	HeartbeatInterval time.Duration
}

type Session struct {
	TTL              time.Duration
	SweepInterval    time.Duration
	MaxSessions      int
	RetainOnShutdown bool
}

type Variables struct {
	MaxValueBytes int
	MaxCount      int
}

type Tools struct {
	Timeout        time.Duration
	MaxConcurrency int64
}

type Breaker struct {
	// MaxFailures of zero disables the per-operation circuit breaker
	MaxFailures int
	Timeout     time.Duration
}

type Bridge struct {
	DefaultDeadline time.Duration
	ContractsFile   string
	Codec           string
	Breaker         Breaker
}

type Redis struct {
	URL    string
	Prefix string
}

type Telemetry struct {
	OTLPURL     string
	Token       string
	ServiceName string
}

// Config is the complete host configuration
type Config struct {
	LogLevel  string
	Pool      Pool
	Session   Session
	Variables Variables
	Tools     Tools
	Bridge    Bridge
	Redis     Redis
	Telemetry Telemetry
}

var defaults = map[string]any{
	"log_level":                       "info",
	"pool.size":                       2,
	"pool.max_concurrency":            4,
	"pool.worker_command":             "",
	"pool.worker_args":                []string{},
	"pool.worker_env_file":            "",
	"pool.remote_target":              "",
	"pool.recycle.max_requests":       0,
	"pool.recycle.max_age":            "0s",
	"pool.recycle.max_memory":         "",
	"pool.degraded.error_threshold":   5,
	"pool.degraded.window":            "10s",
	"pool.degraded.cooldown":          "30s",
	"pool.degraded.latency_threshold": "0s",
	"pool.respawn.max_attempts":       5,
	"pool.respawn.initial_backoff":    "100ms",
	"pool.respawn.max_backoff":        "5s",
	"pool.drain_grace":                "10s",
	"pool.heartbeat_interval":         "15s",
	"session.ttl":                     "30m",
	"session.sweep_interval":          "1m",
	"session.max_sessions":            0,
	"session.retain_on_shutdown":      false,
	"variables.max_value_bytes":       1 << 20,
	"variables.max_count":             1000,
	"tools.timeout":                   "5s",
	"tools.max_concurrency":           64,
	"bridge.default_deadline":         "30s",
	"bridge.contracts_file":           "",
	"bridge.codec":                    "msgpack",
	"bridge.breaker.max_failures":     0,
	"bridge.breaker.timeout":          "30s",
	"redis.url":                       "",
	"redis.prefix":                    "bridge:session",
	"telemetry.otlp_url":              "",
	"telemetry.token":                 "",
	"telemetry.service_name":          "bridge",
}

// New returns a viper instance with every default set and environment
// overrides enabled
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when it is not empty and decodes the result. The file
// format follows its extension (yaml, toml or json).
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return Decode(v)
}

// Default returns the configuration with nothing overridden but the environment
func Default() *Config {
	c, err := Decode(New())
	if err != nil {
		panic(err)
	}
	return c
}

type decoder struct {
	v    *viper.Viper
	errs error
}

func (d *decoder) duration(key string) time.Duration {
	s := strings.TrimSpace(d.v.GetString(key))
	if s == "" {
		return 0
	}
	dur, err := str2duration.ParseDuration(s)
	if err != nil {
		d.errs = errors.CombineErrors(d.errs, fault.New(fault.CodeInvalidArgs, "%s: invalid duration %q", key, s))
		return 0
	}
	return dur
}

func (d *decoder) bytes(key string) uint64 {
	s := strings.TrimSpace(d.v.GetString(key))
	if s == "" {
		return 0
	}
	q, err := resource.ParseQuantity(s)
	if err != nil || q.Sign() < 0 {
		d.errs = errors.CombineErrors(d.errs, fault.New(fault.CodeInvalidArgs, "%s: invalid size %q", key, s))
		return 0
	}
	return uint64(q.Value())
}

// Decode converts the values held by v into a Config and validates it
func Decode(v *viper.Viper) (*Config, error) {
	d := &decoder{v: v}
	c := &Config{
		LogLevel: v.GetString("log_level"),
		Pool: Pool{
			Size:           v.GetInt("pool.size"),
			MaxConcurrency: v.GetInt("pool.max_concurrency"),
			WorkerCommand:  v.GetString("pool.worker_command"),
			WorkerArgs:     v.GetStringSlice("pool.worker_args"),
			WorkerEnvFile:  v.GetString("pool.worker_env_file"),
			RemoteTarget:   v.GetString("pool.remote_target"),
			Recycle: Recycle{
				MaxRequests:    v.GetInt64("pool.recycle.max_requests"),
				MaxAge:         d.duration("pool.recycle.max_age"),
				MaxMemoryBytes: d.bytes("pool.recycle.max_memory"),
			},
			Degraded: Degraded{
				ErrorThreshold:   v.GetInt("pool.degraded.error_threshold"),
				Window:           d.duration("pool.degraded.window"),
				Cooldown:         d.duration("pool.degraded.cooldown"),
				LatencyThreshold: d.duration("pool.degraded.latency_threshold"),
			},
			Respawn: Respawn{
				MaxAttempts:    v.GetInt("pool.respawn.max_attempts"),
				InitialBackoff: d.duration("pool.respawn.initial_backoff"),
				MaxBackoff:     d.duration("pool.respawn.max_backoff"),
			},
			DrainGrace:        d.duration("pool.drain_grace"),
			HeartbeatInterval: d.duration("pool.heartbeat_interval"),
		},
		Session: Session{
			TTL:              d.duration("session.ttl"),
			SweepInterval:    d.duration("session.sweep_interval"),
			MaxSessions:      v.GetInt("session.max_sessions"),
			RetainOnShutdown: v.GetBool("session.retain_on_shutdown"),
		},
		Variables: Variables{
			MaxValueBytes: v.GetInt("variables.max_value_bytes"),
			MaxCount:      v.GetInt("variables.max_count"),
		},
		Tools: Tools{
			Timeout:        d.duration("tools.timeout"),
			MaxConcurrency: v.GetInt64("tools.max_concurrency"),
		},
		Bridge: Bridge{
			DefaultDeadline: d.duration("bridge.default_deadline"),
			ContractsFile:   v.GetString("bridge.contracts_file"),
			Codec:           v.GetString("bridge.codec"),
			Breaker: Breaker{
				MaxFailures: v.GetInt("bridge.breaker.max_failures"),
				Timeout:     d.duration("bridge.breaker.timeout"),
			},
		},
		Redis: Redis{
			URL:    v.GetString("redis.url"),
			Prefix: v.GetString("redis.prefix"),
		},
		Telemetry: Telemetry{
			OTLPURL:     v.GetString("telemetry.otlp_url"),
			Token:       v.GetString("telemetry.token"),
			ServiceName: v.GetString("telemetry.service_name"),
		},
	}
	if d.errs != nil {
		return nil, d.errs
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	switch {
	case c.Pool.Size <= 0:
		return fault.New(fault.CodeInvalidArgs, "pool.size must be positive, got %d", c.Pool.Size)
	case c.Pool.MaxConcurrency <= 0:
		return fault.New(fault.CodeInvalidArgs, "pool.max_concurrency must be positive, got %d", c.Pool.MaxConcurrency)
	case c.Pool.Recycle.MaxRequests < 0:
		return fault.New(fault.CodeInvalidArgs, "pool.recycle.max_requests cannot be negative")
	case c.Session.MaxSessions < 0:
		return fault.New(fault.CodeInvalidArgs, "session.max_sessions cannot be negative")
	case c.Variables.MaxValueBytes < 0 || c.Variables.MaxCount < 0:
		return fault.New(fault.CodeInvalidArgs, "variable limits cannot be negative")
	case c.Pool.WorkerCommand != "" && c.Pool.RemoteTarget != "":
		return fault.New(fault.CodeInvalidArgs, "pool.worker_command and pool.remote_target are exclusive")
	}
	return nil
}
