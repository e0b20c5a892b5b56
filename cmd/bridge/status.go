package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentuity/go-bridge/host"
	"github.com/agentuity/go-bridge/tui"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Start the configured pool and show its workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetDuration("wait")
			rt, err := startHost(cmd)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := tui.Spin(ctx, "Waiting for workers", rt.host.WaitReady); err != nil {
				tui.ShowWarning(cmd.ErrOrStderr(), "not every worker is ready: %s", err)
			}
			renderStatus(cmd.OutOrStdout(), rt.host.Status())
			return nil
		},
	}
	cmd.Flags().Duration("wait", 10*time.Second, "How long to wait for workers to become ready")
	return cmd
}

func renderStatus(w io.Writer, st host.Status) {
	rows := make([][]string, 0, len(st.Pool.Workers))
	for _, ws := range st.Pool.Workers {
		rows = append(rows, []string{
			ws.ID,
			fmt.Sprint(ws.PID),
			tui.State(string(ws.State)),
			fmt.Sprint(ws.InFlight),
			fmt.Sprint(ws.Requests),
			fmt.Sprint(ws.Errors),
			ws.AvgLatency.Round(time.Microsecond).String(),
		})
	}
	tui.Table(w, []string{"Worker", "PID", "State", "In flight", "Requests", "Errors", "Latency"}, rows)
	fmt.Fprintf(w, "%d/%d live, %d respawn(s)", st.Pool.Live, st.Pool.Size, st.Pool.Respawns)
	if st.Pool.Exhausted {
		fmt.Fprint(w, ", "+tui.State("dead"))
	}
	fmt.Fprintln(w)

	if len(st.Breakers) > 0 {
		brows := make([][]string, 0, len(st.Breakers))
		for _, b := range st.Breakers {
			brows = append(brows, []string{b.Name, tui.State(strings.ToLower(b.State.String())), fmt.Sprint(b.Failures)})
		}
		tui.Table(w, []string{"Operation", "Circuit", "Failures"}, brows)
	}
	fmt.Fprintln(w, tui.Muted(fmt.Sprintf("%d session(s), %d pending call(s), contracts: %s",
		len(st.Sessions), len(st.Pending), strings.Join(st.Contracts, ", "))))
}
