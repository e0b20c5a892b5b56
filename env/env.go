// Package env holds the command line helpers shared by the bridge binaries:
// flag-or-environment lookup, logger and telemetry construction and worker
// environment files.
package env

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/telemetry"
	"github.com/spf13/cobra"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

func (e EnvLine) String() string {
	return e.Key + "=" + e.Val
}

// ParseEnvFile parses a KEY=value file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return []EnvLine{}, nil
	}
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseEnvBuffer(buf), nil
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ProcessEnvLine splits one KEY=value line, stripping matching quotes from the value
func ProcessEnvLine(line string) EnvLine {
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return EnvLine{Key: line}
	}
	return EnvLine{Key: strings.TrimSpace(strings.TrimPrefix(key, "export ")), Val: dequote(strings.TrimSpace(val))}
}

// ParseEnvBuffer parses KEY=value lines, skipping blanks and # comments.
// ${NAME} expands to an earlier line's value or the process environment.
func ParseEnvBuffer(buf []byte) []EnvLine {
	envs := []EnvLine{}
	seen := map[string]string{}
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		el := ProcessEnvLine(line)
		if el.Key == "" {
			continue
		}
		el.Val = os.Expand(el.Val, func(name string) string {
			if v, ok := seen[name]; ok {
				return v
			}
			return os.Getenv(name)
		})
		seen[el.Key] = el.Val
		envs = append(envs, el)
	}
	return envs
}

// Environ loads filename into the KEY=value form exec.Cmd.Env takes
func Environ(filename string) ([]string, error) {
	if filename == "" {
		return nil, nil
	}
	lines, err := ParseEnvFile(filename)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(lines))
	for _, el := range lines {
		out = append(out, el.String())
	}
	return out, nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

func LogLevel(cmd *cobra.Command) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, "info"), logger.LevelInfo)
}

// NewLogger returns a logger at the --log-level flag, else the
// BRIDGE_LOG_LEVEL environment value, else info. --log-format json (or
// BRIDGE_LOG_FORMAT=json) selects structured JSON lines over the console format.
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	if strings.EqualFold(FlagOrEnv(cmd, "log-format", "BRIDGE_LOG_FORMAT", "console"), "json") {
		return logger.NewJSONLogger(LogLevel(cmd))
	}
	return logger.NewConsoleLogger(LogLevel(cmd))
}

// NewTelemetry returns a logger and tracer exporting to the collector named
// by --otlp-url or BRIDGE_OTLP_URL. With --no-telemetry or no url it returns
// the console logger and a nil Telemetry.
func NewTelemetry(ctx context.Context, cmd *cobra.Command, serviceName string) (*telemetry.Telemetry, logger.Logger, telemetry.ShutdownFunc, error) {
	console := NewLogger(cmd)
	noop := func() {}
	if noTelemetry, err := cmd.Flags().GetBool("no-telemetry"); err == nil && noTelemetry {
		return nil, console, noop, nil
	}
	otlpURL := FlagOrEnv(cmd, "otlp-url", "BRIDGE_OTLP_URL", "")
	if otlpURL == "" {
		return nil, console, noop, nil
	}
	tel, shutdown, err := telemetry.New(ctx, telemetry.Options{
		URL:         otlpURL,
		Token:       FlagOrEnv(cmd, "otlp-token", "BRIDGE_OTLP_TOKEN", ""),
		ServiceName: serviceName,
		Console:     console,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error creating telemetry: %w", err)
	}
	return tel, tel.Logger, shutdown, nil
}
