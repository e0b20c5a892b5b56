// Command bridge-worker is a reference worker. By default it speaks the
// bridge protocol over stdin and stdout, as spawned by the host pool. With
// --listen it serves workers over gRPC instead.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentuity/go-bridge/env"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/agentuity/go-bridge/transport/grpcx"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bridge-worker",
		Short:         "Serve bridge operations from a worker process",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries frames, logs go to stderr
			log := env.NewLogger(cmd)
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			fn := serve(log, concurrency)

			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				return listen(ctx, addr, fn, log)
			}
			id, _ := cmd.Flags().GetString("worker-id")
			conn := protocol.NewStreamConnPair(os.Stdin, os.Stdout)
			defer conn.Close()
			return fn(ctx, id, conn)
		},
	}
	cmd.Flags().String("worker-id", "", "Worker id assigned by the host")
	cmd.Flags().String("listen", "", "Serve workers over gRPC on this address instead of stdio")
	cmd.Flags().Int("concurrency", 4, "Requests served at once")
	cmd.Flags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().String("log-format", "", "Log format (console or json)")
	return cmd
}

func listen(ctx context.Context, addr string, fn grpcx.ServeFunc, log logger.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	srv := grpcx.NewServer()
	grpcx.Register(srv, fn, log)
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	log.Info("serving workers on %s", lis.Addr())
	return srv.Serve(lis)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Stderr.WriteString("bridge-worker: " + err.Error() + "\n")
		os.Exit(1)
	}
}
