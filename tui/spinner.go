package tui

import (
	"context"

	"github.com/charmbracelet/huh/spinner"
)

// Spin shows a spinner titled title while action runs and returns its error.
// Without a terminal the action just runs.
func Spin(ctx context.Context, title string, action func(ctx context.Context) error) error {
	if !HasTTY {
		return action(ctx)
	}
	var err error
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if serr := spinner.New().
		Context(sctx).
		Title(title).
		Action(func() {
			err = action(sctx)
		}).
		Run(); serr != nil && err == nil {
		return serr
	}
	return err
}
