// Package tui renders command line output for the bridge binaries. Styling
// and spinners are skipped when stdout is not a terminal.
package tui

import (
	"os"

	"github.com/mattn/go-isatty"
)

var (
	HasTTY = isatty.IsTerminal(os.Stdout.Fd())
)
