package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/go-bridge/contract"
	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/host"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/pool"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/agentuity/go-bridge/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validContracts = `
contracts:
  - operation: echo
    target: echo
    version: "1.0"
    params:
      - {name: text, type: string, required: true}
    returns: any
  - operation: scale
    target: math.scale
    version: "1.0"
    params:
      - {name: value, type: float, required: true}
    returns: float
`

const invalidContracts = `
contracts:
  - operation: echo
    version: "1.0"
    returns: any
  - operation: "bad name"
    target: x
    version: "1.0"
    returns: any
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func serveWorker(ctx context.Context, id string, conn protocol.Conn) error {
	return worker.New(conn, worker.Options{
		ID: id,
		Handlers: map[string]worker.Handler{
			"echo": func(ctx context.Context, call *worker.Call) (any, error) {
				return call.Args, nil
			},
			"math.scale": func(ctx context.Context, call *worker.Call) (any, error) {
				factor, err := call.InvokeCallback(ctx, "factor", nil)
				if err != nil {
					return call.Float("value", 0), nil
				}
				f, _ := factor.(float64)
				return call.Float("value", 0) * f, nil
			},
		},
		Logger: logger.NewTestLogger(),
	}).Serve(ctx)
}

func newHost(t *testing.T) *host.Host {
	t.Helper()
	reg := contract.NewRegistry()
	require.NoError(t, reg.LoadFile(writeFile(t, "contracts.yaml", validContracts)))
	h, err := host.New(context.Background(), host.Options{
		Contracts: reg,
		Pool: pool.Options{
			Size:              1,
			Spawner:           pool.FuncSpawner(serveWorker),
			HeartbeatInterval: -1,
			DrainGrace:        time.Second,
		},
		Logger: logger.NewTestLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs(`{"text": "hi", "n": 2}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi", "n": float64(2)}, args)

	args, err = parseArgs("  ")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = parseArgs("null")
	require.NoError(t, err)
	assert.NotNil(t, args)

	_, err = parseArgs(`[1, 2]`)
	assert.ErrorIs(t, err, fault.ErrInvalidArgs)
}

func TestVariableValue(t *testing.T) {
	assert.Equal(t, 0.5, variableValue("0.5"))
	assert.Equal(t, true, variableValue("true"))
	assert.Equal(t, "plain text", variableValue("plain text"))
}

func TestValidateContracts(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, validateContracts(&out, writeFile(t, "ok.yaml", validContracts)))
	assert.Contains(t, out.String(), "2 contract(s) valid")
	assert.Contains(t, out.String(), "echo")
	assert.Contains(t, out.String(), "scale")

	out.Reset()
	err := validateContracts(&out, writeFile(t, "bad.yaml", invalidContracts))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "violation(s)")
	assert.Contains(t, out.String(), "target is required")

	out.Reset()
	err = validateContracts(&out, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, fault.ErrInvalidContract)
}

func TestContractsValidateCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"contracts", "validate", writeFile(t, "ok.yaml", validContracts)})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "2 contract(s) valid")
}

func TestApplyFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--worker-cmd", "python3 worker.py --fast", "--contracts", "c.yaml", "--log-level", "debug"}))
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "python3", cfg.Pool.WorkerCommand)
	assert.Equal(t, []string{"worker.py", "--fast"}, cfg.Pool.WorkerArgs)
	assert.Equal(t, "c.yaml", cfg.Bridge.ContractsFile)
	assert.Equal(t, "debug", cfg.LogLevel)

	cmd = newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--remote", "localhost:7070"}))
	cfg, err = loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "localhost:7070", cfg.Pool.RemoteTarget)
	assert.Empty(t, cfg.Pool.WorkerCommand)
}

func TestApplyFlagsCarriesCollectorFromFile(t *testing.T) {
	path := writeFile(t, "bridge.yaml", "telemetry:\n  otlp_url: http://collector:4318\n  token: secret\n")
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))
	_, err := loadConfig(cmd)
	require.NoError(t, err)
	v, _ := cmd.Flags().GetString("otlp-url")
	assert.Equal(t, "http://collector:4318", v)
	v, _ = cmd.Flags().GetString("otlp-token")
	assert.Equal(t, "secret", v)
}

func TestRunCall(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runCall(ctx, &out, h, callRequest{Operation: "echo", Args: map[string]any{"text": "hi"}}))
	assert.Contains(t, out.String(), "✓ echo")
	assert.Contains(t, out.String(), `"text": "hi"`)
	assert.Empty(t, h.Sessions().List())

	out.Reset()
	require.NoError(t, runCall(ctx, &out, h, callRequest{Operation: "scale", Args: map[string]any{"value": 2.5}, Deadline: time.Second}))
	assert.Contains(t, out.String(), "2.5")

	out.Reset()
	err := runCall(ctx, &out, h, callRequest{Operation: "echo", Args: map[string]any{}})
	assert.ErrorIs(t, err, fault.ErrMissingRequired)
	assert.Empty(t, out.String())

	err = runCall(ctx, &out, h, callRequest{Operation: "nope", Args: map[string]any{}})
	assert.Error(t, err)
}

func TestRunCallSetsVariables(t *testing.T) {
	h := newHost(t)
	var out bytes.Buffer
	err := runCall(context.Background(), &out, h, callRequest{
		Operation: "echo",
		Args:      map[string]any{"text": "hi"},
		Variables: map[string]string{"threshold": "0.5"},
	})
	require.NoError(t, err)

	err = runCall(context.Background(), &out, h, callRequest{
		Operation: "echo",
		Args:      map[string]any{"text": "hi"},
		Variables: map[string]string{"": "1"},
	})
	assert.Error(t, err)
}

func TestRenderStatus(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.WaitReady(context.Background()))
	var out bytes.Buffer
	renderStatus(&out, h.Status())
	s := out.String()
	assert.Contains(t, s, "Worker")
	assert.Contains(t, s, h.Status().Pool.Workers[0].ID)
	assert.Contains(t, s, "ready")
	assert.Contains(t, s, "1/1 live")
	assert.Contains(t, s, "contracts: echo, scale")
}

func TestRunCallKeepsNamedSession(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()
	var out bytes.Buffer
	require.NoError(t, runCall(ctx, &out, h, callRequest{
		SessionID: "cli-1",
		Operation: "echo",
		Args:      map[string]any{"text": "hi"},
		Variables: map[string]string{"threshold": "0.5"},
	}))
	v, err := h.GetVariable("cli-1", "threshold")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)
}
