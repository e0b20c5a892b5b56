package main

import (
	"io"

	"github.com/agentuity/go-bridge/contract"
	"github.com/agentuity/go-bridge/tui"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func newContractsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Work with contract files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a contracts file and list every violation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateContracts(cmd.OutOrStdout(), args[0])
		},
	})
	return cmd
}

// validateContracts loads path into an empty registry and writes one line
// per violation
func validateContracts(w io.Writer, path string) error {
	reg := contract.NewRegistry()
	err := reg.LoadFile(path)
	if err == nil {
		tui.ShowSuccess(w, "%d contract(s) valid", reg.Len())
		for _, op := range reg.Operations() {
			io.WriteString(w, "   "+tui.Muted(op)+"\n")
		}
		return nil
	}
	var le *contract.LoadError
	if errors.As(err, &le) {
		for _, v := range le.Violations {
			tui.ShowError(w, "%s", v)
		}
		return errors.Newf("%s: %d violation(s)", path, len(le.Violations))
	}
	return err
}
