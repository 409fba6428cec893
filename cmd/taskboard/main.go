package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// exitFatal is the exit code for startup failures: unreadable or
// incomplete configuration and an unreachable board.
const exitFatal = 2

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// fatalError marks errors that abort startup.
type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

func exitCode(err error) int {
	var fe fatalError
	if errors.As(err, &fe) {
		return exitFatal
	}
	return 1
}

// buildRoot creates the root command with its subcommands.
func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "taskboard",
		Short: "Remote-controlled task supervisor",
		Long: `Taskboard runs scripts stored on a shared board as local child processes.
Operators toggle the activate, run and kill fields of a task row; the
supervisor materializes, launches or stops the task and writes its output to
the board's log table.

Examples:
  taskboard serve --config config.json
  taskboard board list --table Tasks
  taskboard board set demo run=true --table Tasks`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		createServeCommand(stderr),
		createBoardCommand(stdout),
	)
	return root
}
