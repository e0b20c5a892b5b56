package main

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/agentuity/go-bridge/bridge"
	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/host"
	"github.com/agentuity/go-bridge/session"
	"github.com/agentuity/go-bridge/tui"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <operation>",
		Short: "Call an operation once and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("args")
			callArgs, err := parseArgs(raw)
			if err != nil {
				return err
			}
			vars, _ := cmd.Flags().GetStringToString("var")
			deadline, _ := cmd.Flags().GetDuration("deadline")
			sid, _ := cmd.Flags().GetString("session")

			rt, err := startHost(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			return runCall(cmd.Context(), cmd.OutOrStdout(), rt.host, callRequest{
				SessionID: sid,
				Operation: args[0],
				Args:      callArgs,
				Variables: vars,
				Deadline:  deadline,
			})
		},
	}
	cmd.Flags().String("session", "", "Session id to reuse, a throwaway session when empty")
	cmd.Flags().String("args", "{}", "Operation arguments as a JSON object")
	cmd.Flags().StringToString("var", nil, "Session variable to set before the call, name=value")
	cmd.Flags().Duration("deadline", 0, "Call deadline, the configured default when zero")
	return cmd
}

type callRequest struct {
	// SessionID names a session to get or create and leave open. With a
	// redis persister and session.retain_on_shutdown it outlives the process.
	SessionID string
	Operation string
	Args      map[string]any
	// Variables are set on a fresh session; values that parse as JSON are
	// stored decoded
	Variables map[string]string
	Deadline  time.Duration
}

func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fault.Wrap(err, fault.CodeInvalidArgs, "--args must be a JSON object")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func variableValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// runCall runs req and writes the result to w
func runCall(ctx context.Context, w io.Writer, h *host.Host, req callRequest) error {
	sid := req.SessionID
	if sid == "" {
		var err error
		if sid, err = h.CreateSession(ctx, session.CreateOptions{}); err != nil {
			return err
		}
		defer h.CloseSession(context.WithoutCancel(ctx), sid)
	} else if _, err := h.Sessions().GetOrCreate(ctx, sid); err != nil {
		return err
	}
	for name, raw := range req.Variables {
		if err := h.SetVariable(ctx, sid, name, variableValue(raw)); err != nil {
			return errors.Wrapf(err, "variable %s", name)
		}
	}
	var opts []bridge.CallOption
	if req.Deadline > 0 {
		opts = append(opts, bridge.WithTimeout(req.Deadline))
	}

	var result any
	started := time.Now()
	err := tui.Spin(ctx, "Calling "+req.Operation, func(ctx context.Context) error {
		var cerr error
		result, cerr = h.Call(ctx, sid, req.Operation, req.Args, opts...)
		return cerr
	})
	if err != nil {
		return errors.Wrapf(err, "call %s", req.Operation)
	}
	buf, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fault.Wrap(err, fault.CodeCodecFailure, "encode result")
	}
	tui.ShowSuccess(w, "%s %s", req.Operation, tui.Muted(time.Since(started).Round(time.Millisecond).String()))
	_, err = w.Write(append(buf, '\n'))
	return err
}
