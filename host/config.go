package host

import (
	"context"

	"github.com/agentuity/go-bridge/bridge"
	"github.com/agentuity/go-bridge/codec"
	"github.com/agentuity/go-bridge/config"
	"github.com/agentuity/go-bridge/contract"
	"github.com/agentuity/go-bridge/env"
	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/pool"
	"github.com/agentuity/go-bridge/resilience"
	"github.com/agentuity/go-bridge/session"
	"github.com/agentuity/go-bridge/tool"
	"github.com/agentuity/go-bridge/transport/grpcx"
	"github.com/agentuity/go-bridge/variable"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// OptionsFromConfig translates cfg into Options. The spawner comes from
// pool.remote_target when set, else from pool.worker_command. Clients it
// opens (redis, grpc) are returned as closers.
func OptionsFromConfig(cfg *config.Config, log logger.Logger) (Options, []func() error, error) {
	var closers []func() error
	fail := func(err error) (Options, []func() error, error) {
		for _, fn := range closers {
			_ = fn()
		}
		return Options{}, nil, err
	}
	if log == nil {
		log = logger.NewConsoleLogger(logger.ParseLevel(cfg.LogLevel, logger.LevelInfo))
	}

	contracts := contract.NewRegistry()
	if cfg.Bridge.ContractsFile != "" {
		if err := contracts.LoadFile(cfg.Bridge.ContractsFile); err != nil {
			return fail(err)
		}
	}
	c, err := codec.Lookup(cfg.Bridge.Codec)
	if err != nil {
		return fail(err)
	}

	var spawner pool.Spawner
	switch {
	case cfg.Pool.RemoteTarget != "":
		sp := &grpcx.Spawner{Target: cfg.Pool.RemoteTarget, Logger: log}
		closers = append(closers, sp.Close)
		spawner = sp
	case cfg.Pool.WorkerCommand != "":
		workerEnv, err := env.Environ(cfg.Pool.WorkerEnvFile)
		if err != nil {
			return fail(fault.Wrap(err, fault.CodeInvalidArgs, "worker env file %s", cfg.Pool.WorkerEnvFile))
		}
		spawner = &pool.ExecSpawner{Command: cfg.Pool.WorkerCommand, Args: cfg.Pool.WorkerArgs, Env: workerEnv, Logger: log}
	default:
		return fail(fault.New(fault.CodeInvalidArgs, "pool.worker_command or pool.remote_target is required"))
	}

	var persister session.Persister
	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fail(fault.Wrap(err, fault.CodeInvalidArgs, "redis.url"))
		}
		client := redis.NewClient(ropts)
		closers = append(closers, client.Close)
		var popts []session.RedisOption
		if cfg.Redis.Prefix != "" {
			popts = append(popts, session.WithPrefix(cfg.Redis.Prefix))
		}
		persister = session.NewRedisPersister(client, popts...)
	}

	opts := Options{
		Contracts: contracts,
		Pool: pool.Options{
			Size:           cfg.Pool.Size,
			MaxConcurrency: cfg.Pool.MaxConcurrency,
			Spawner:        spawner,
			Recycle: pool.RecyclePolicy{
				MaxRequests:    cfg.Pool.Recycle.MaxRequests,
				MaxAge:         cfg.Pool.Recycle.MaxAge,
				MaxMemoryBytes: cfg.Pool.Recycle.MaxMemoryBytes,
			},
			Degraded: pool.DegradedPolicy{
				ErrorThreshold:   cfg.Pool.Degraded.ErrorThreshold,
				Window:           cfg.Pool.Degraded.Window,
				Cooldown:         cfg.Pool.Degraded.Cooldown,
				LatencyThreshold: cfg.Pool.Degraded.LatencyThreshold,
			},
			Respawn: resilience.RetryConfig{
				MaxAttempts:       cfg.Pool.Respawn.MaxAttempts,
				InitialBackoff:    cfg.Pool.Respawn.InitialBackoff,
				MaxBackoff:        cfg.Pool.Respawn.MaxBackoff,
				BackoffMultiplier: 2,
				Jitter:            true,
			},
			DrainGrace:        cfg.Pool.DrainGrace,
			HeartbeatInterval: cfg.Pool.HeartbeatInterval,
		},
		Sessions: session.Options{
			TTL:              cfg.Session.TTL,
			SweepInterval:    cfg.Session.SweepInterval,
			MaxSessions:      cfg.Session.MaxSessions,
			Limits:           variable.Limits{MaxValueBytes: cfg.Variables.MaxValueBytes, MaxCount: cfg.Variables.MaxCount},
			Persister:        persister,
			RetainOnShutdown: cfg.Session.RetainOnShutdown,
		},
		Tools: tool.ExecutorOptions{
			Timeout:        cfg.Tools.Timeout,
			MaxConcurrency: cfg.Tools.MaxConcurrency,
		},
		Bridge: bridge.Options{
			Codec:           c,
			DefaultDeadline: cfg.Bridge.DefaultDeadline,
		},
		Logger: log,
	}
	if cfg.Bridge.Breaker.MaxFailures > 0 {
		bc := resilience.DefaultCircuitBreakerConfig()
		bc.MaxFailures = cfg.Bridge.Breaker.MaxFailures
		if cfg.Bridge.Breaker.Timeout > 0 {
			bc.Timeout = cfg.Bridge.Breaker.Timeout
		}
		opts.Breaker = &bc
	}
	return opts, closers, nil
}

// FromConfig builds and starts a host from cfg. tracer may be nil.
func FromConfig(ctx context.Context, cfg *config.Config, log logger.Logger, tracer trace.Tracer) (*Host, error) {
	opts, closers, err := OptionsFromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	opts.Tracer = tracer
	return build(ctx, opts, closers)
}
