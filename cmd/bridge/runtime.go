package main

import (
	"context"
	"strings"

	"github.com/agentuity/go-bridge/config"
	"github.com/agentuity/go-bridge/env"
	"github.com/agentuity/go-bridge/host"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

// loadConfig reads --config and applies the flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if v, _ := flags.GetString("contracts"); v != "" {
		cfg.Bridge.ContractsFile = v
	}
	if v, _ := flags.GetString("worker-cmd"); v != "" {
		parts := strings.Fields(v)
		cfg.Pool.WorkerCommand = parts[0]
		cfg.Pool.WorkerArgs = parts[1:]
		cfg.Pool.RemoteTarget = ""
	}
	if v, _ := flags.GetString("remote"); v != "" {
		cfg.Pool.RemoteTarget = v
		cfg.Pool.WorkerCommand = ""
		cfg.Pool.WorkerArgs = nil
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	// the config file may name a collector the flags and environment do not
	if v, _ := flags.GetString("otlp-url"); v == "" && cfg.Telemetry.OTLPURL != "" {
		if err := flags.Set("otlp-url", cfg.Telemetry.OTLPURL); err != nil {
			return err
		}
	}
	if v, _ := flags.GetString("otlp-token"); v == "" && cfg.Telemetry.Token != "" {
		if err := flags.Set("otlp-token", cfg.Telemetry.Token); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

type runtime struct {
	host     *host.Host
	logger   logger.Logger
	shutdown telemetry.ShutdownFunc
}

func (r *runtime) Close(ctx context.Context) error {
	err := r.host.Close(ctx)
	r.shutdown()
	return err
}

// startHost builds a host from the command's configuration
func startHost(cmd *cobra.Command) (*runtime, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v == "" {
		if err := cmd.Flags().Set("log-level", cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	tel, log, shutdown, err := env.NewTelemetry(ctx, cmd, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, err
	}
	var tracer trace.Tracer
	if tel != nil {
		tracer = tel.Tracer
	}
	h, err := host.FromConfig(ctx, cfg, log, tracer)
	if err != nil {
		shutdown()
		return nil, err
	}
	return &runtime{host: h, logger: log, shutdown: shutdown}, nil
}
