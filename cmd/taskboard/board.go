package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/taskboard/internal/task"
	"github.com/loykin/taskboard/pkg/client"
)

// createBoardCommand groups the operator commands that edit the board
// through a running supervisor's API.
func createBoardCommand(stdout io.Writer) *cobra.Command {
	flags := &BoardFlags{}
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Inspect and edit board rows via the operator API",
		Long: `Inspect and edit board rows through a running supervisor.

Examples:
  taskboard board list --table Tasks
  taskboard board add demo --file demo.py --table Tasks
  taskboard board set demo activate=true --table Tasks
  taskboard board set demo run=true --table Tasks
  taskboard board script demo --file demo.py --table Tasks
  taskboard board rm demo --table Tasks`,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.Table, "table", "Tasks", "board table")
	pf.StringVar(&flags.APIUrl, "api-url", client.DefaultConfig().BaseURL, "supervisor API URL (e.g. http://host:8080/api)")
	pf.StringVar(&flags.APIToken, "token", os.Getenv("TASKBOARD_TOKEN"), "bearer token for the API")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(
		createBoardListCommand(stdout, flags),
		createBoardAddCommand(stdout, flags),
		createBoardSetCommand(stdout, flags),
		createBoardRmCommand(stdout, flags),
		createBoardScriptCommand(stdout, flags),
	)
	return cmd
}

func newAPIClient(flags *BoardFlags) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL: flags.APIUrl,
		Token:   flags.APIToken,
		Timeout: flags.APITimeout,
	})
}

func createBoardListCommand(stdout io.Writer, flags *BoardFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the rows of a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			rows, err := c.Rows(cmd.Context(), flags.Table)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(stdout, rows)
			}
			_, err = fmt.Fprint(stdout, renderRows(rows))
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return cmd
}

func createBoardAddCommand(stdout io.Writer, flags *BoardFlags) *cobra.Command {
	var (
		file     string
		autorun  bool
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a task row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{
				task.FieldName:     args[0],
				task.FieldStatus:   string(task.Uninitialized),
				task.FieldActivate: false,
				task.FieldRun:      false,
				task.FieldKill:     false,
				task.FieldAutorun:  autorun,
			}
			if schedule != "" {
				fields[task.FieldSchedule] = schedule
			}
			var blocks []client.Block
			if file != "" {
				b, err := readScript(file)
				if err != nil {
					return err
				}
				blocks = b
			}
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			row, err := c.Insert(cmd.Context(), flags.Table, client.InsertRequest{Fields: fields, Children: blocks})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "added %s (%s)\n", args[0], row.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "script file stored as the row's code block")
	cmd.Flags().BoolVar(&autorun, "autorun", false, "run the task whenever the supervisor starts")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression raising the run flag")
	return cmd
}

func createBoardSetCommand(stdout io.Writer, flags *BoardFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME FIELD=VALUE...",
		Short: "Set fields of a row, e.g. run=true",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			row, err := findRow(cmd.Context(), c, flags.Table, args[0])
			if err != nil {
				return err
			}
			if _, err := c.Update(cmd.Context(), flags.Table, row.ID, fields); err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "updated %s\n", args[0])
			return err
		},
	}
}

func createBoardRmCommand(stdout io.Writer, flags *BoardFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			row, err := findRow(cmd.Context(), c, flags.Table, args[0])
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), flags.Table, row.ID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "removed %s\n", args[0])
			return err
		},
	}
}

func createBoardScriptCommand(stdout io.Writer, flags *BoardFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "script NAME",
		Short: "Replace the code block of a row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blocks, err := readScript(file)
			if err != nil {
				return err
			}
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			row, err := findRow(cmd.Context(), c, flags.Table, args[0])
			if err != nil {
				return err
			}
			if _, err := c.SetChildren(cmd.Context(), flags.Table, row.ID, blocks); err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "script of %s replaced\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "script file (required)")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	return cmd
}

func findRow(ctx context.Context, c *client.Client, table, name string) (client.Row, error) {
	row, err := c.FindByName(ctx, table, name)
	if err != nil {
		return client.Row{}, fmt.Errorf("row %q in %s: %w", name, table, err)
	}
	return row, nil
}

func readScript(path string) ([]client.Block, error) {
	// #nosec G304 -- operator supplied path
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return []client.Block{{Type: "code", Title: string(b)}}, nil
}

// parseAssignments turns FIELD=VALUE pairs into fields. "true" and "false"
// become booleans and integers become numbers; anything else stays text.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected FIELD=VALUE, got %q", a)
		}
		switch {
		case strings.EqualFold(v, "true"):
			out[k] = true
		case strings.EqualFold(v, "false"):
			out[k] = false
		default:
			if n, err := strconv.Atoi(v); err == nil {
				out[k] = n
			} else {
				out[k] = v
			}
		}
	}
	return out, nil
}
