package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/consoleharness/expectrun/internal/runner"
	"github.com/consoleharness/expectrun/internal/script"
)

func newCheckCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <scenario.yaml>...",
		Short: "Parse and validate scenario files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := 0
			for _, path := range args {
				s, err := script.Load(path)
				if err != nil {
					invalid++
					fmt.Fprintf(app.stderr, "invalid %v\n", err)
					continue
				}
				boards := "any board"
				if len(s.Boards()) > 0 {
					boards = strings.Join(s.Boards(), ", ")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok %s: %s, %d steps, %s\n", path, s.Name(), s.Steps(), boards)
			}
			if invalid > 0 {
				return &exitError{
					code: runner.ExitFailed,
					err:  fmt.Errorf("%d of %d scenario files invalid", invalid, len(args)),
				}
			}
			return nil
		},
	}
}
