// Command bridge runs a host from configuration and drives it from the
// command line.
package main

import (
	"context"
	"os"

	"github.com/agentuity/go-bridge/tui"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bridge",
		Short:         "Call worker operations through a bridge host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.String("config", "", "Config file (yaml, toml or json)")
	pf.String("contracts", "", "Contracts file, overrides bridge.contracts_file")
	pf.String("worker-cmd", "", "Worker command line, overrides pool.worker_command")
	pf.String("remote", "", "gRPC worker server, overrides pool.remote_target")
	pf.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "Log format (console or json)")
	pf.Bool("no-telemetry", false, "Disable OTLP export")
	pf.String("otlp-url", "", "OTLP collector base url")
	pf.String("otlp-token", "", "OTLP bearer token")

	cmd.AddCommand(newCallCmd(), newContractsCmd(), newStatusCmd())
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		tui.ShowError(os.Stderr, "%s", err)
		os.Exit(1)
	}
}
