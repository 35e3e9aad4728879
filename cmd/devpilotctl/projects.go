package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvdpsingh/DevPilot/internal/client"
	"github.com/nvdpsingh/DevPilot/internal/project"
)

func newStartCmd(opts *options) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "start <command...>",
		Short: "Start developing a new project",
		Long: `Start a development loop for a natural-language command.

The server plans, builds, deploys and tests the project in the background,
fixing it until the tests pass or the iteration ceiling is reached.

Examples:
  # Let the server pick a name
  devpilotctl start "build a todo API with FastAPI"

  # Name the project
  devpilotctl start --name todo "build a todo API with FastAPI"

  # Read the command from stdin
  echo "build a weather dashboard" | devpilotctl start -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := readCommand(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Start(cmd.Context(), command, name)
			if err != nil {
				return fmt.Errorf("failed to start development: %w", err)
			}
			if opts.outputJSON {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Development started\n")
			fmt.Fprintf(out, "Name: %s\n", resp.Name)
			fmt.Fprintf(out, "Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Run ID: %s\n", resp.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Project name (default: project_<timestamp>)")
	return cmd
}

// readCommand joins args into the command, or reads stdin when the only
// argument is "-".
func readCommand(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		args = []string{string(data)}
	}
	command := strings.TrimSpace(strings.Join(args, " "))
	if command == "" {
		return "", errors.New("no command given")
	}
	return command, nil
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			summaries, err := c.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}
			if opts.outputJSON {
				return outputJSON(cmd.OutOrStdout(), summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No projects found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tITERATIONS")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\n", truncate(s.Name, 40), s.Status, s.IterationCount)
			}
			return w.Flush()
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	var showHistory bool
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show a project's record",
		Long: `Show the status, artifacts and iteration history of one project.

Examples:
  devpilotctl status todo
  devpilotctl status todo --history
  devpilotctl status todo --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("project %q not found", args[0])
				}
				return fmt.Errorf("failed to get status: %w", err)
			}
			if opts.outputJSON {
				return outputJSON(cmd.OutOrStdout(), rec)
			}
			printRecord(cmd.OutOrStdout(), rec, showHistory)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showHistory, "history", false, "Print the full iteration history")
	return cmd
}

func printRecord(out io.Writer, rec *project.Record, showHistory bool) {
	fmt.Fprintf(out, "Name: %s\n", rec.Name)
	fmt.Fprintf(out, "Status: %s\n", rec.Status)
	fmt.Fprintf(out, "Iterations: %d\n", rec.IterationCount)
	fmt.Fprintf(out, "Command: %s\n", truncate(rec.Command, 120))
	if rec.DeploymentHandle != "" {
		fmt.Fprintf(out, "Deployment: %s\n", rec.DeploymentHandle)
	}
	if rec.PublishedURL != "" {
		fmt.Fprintf(out, "Published: %s\n", rec.PublishedURL)
	}
	if rec.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", rec.LastError)
	}
	fmt.Fprintf(out, "Updated: %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))

	history := rec.History
	if !showHistory && len(history) > 5 {
		history = history[len(history)-5:]
	}
	if len(history) == 0 {
		return
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITER\tPHASE\tOUTCOME\tDURATION\tTIME\tDETAIL")
	for _, ir := range history {
		phase := string(ir.Phase)
		if ir.Diagnostic {
			phase += "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			ir.Iteration,
			phase,
			ir.Outcome,
			ir.Duration.Round(time.Millisecond),
			ir.Timestamp.Format("15:04:05"),
			truncate(ir.Detail, 60),
		)
	}
	_ = w.Flush()
	if !showHistory && len(rec.History) > len(history) {
		fmt.Fprintf(out, "(%d earlier entries, use --history)\n", len(rec.History)-len(history))
	}
}

func newStopCmd(opts *options) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a running development loop",
		Long: `Ask the server to stop a loop. The loop finishes its current phase first.

Examples:
  devpilotctl stop todo
  devpilotctl stop todo --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Stop(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to stop project: %w", err)
			}
			if !wait {
				if opts.outputJSON {
					return outputJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.Name, resp.Message)
				return nil
			}

			rec, err := waitTerminal(cmd, c, args[0], time.Second)
			if err != nil {
				return err
			}
			if opts.outputJSON {
				return outputJSON(cmd.OutOrStdout(), rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", rec.Name, rec.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the loop has stopped")
	return cmd
}

// waitTerminal polls until the project reaches a terminal status.
func waitTerminal(cmd *cobra.Command, c *client.Client, name string, every time.Duration) (*project.Record, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		rec, err := c.Status(cmd.Context(), name)
		if err != nil {
			return nil, fmt.Errorf("failed to get status: %w", err)
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func newRestartCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart a finished project from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Restart(cmd.Context(), args[0])
			if err != nil {
				if client.IsConflict(err) {
					return fmt.Errorf("project %q is still running; stop it first", args[0])
				}
				return fmt.Errorf("failed to restart project: %w", err)
			}
			if opts.outputJSON {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Development restarted\nName: %s\nRun ID: %s\n", resp.Name, resp.RunID)
			return nil
		},
	}
}

func newTestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Run a diagnostic test against a project's deployment",
		Long: `Run the tester once against the current deployment of an idle project.
The result is appended to the project's history without changing its status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Test(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to run diagnostic test: %w", err)
			}
			if opts.outputJSON {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Outcome: %s\n", resp.Result.Outcome)
			fmt.Fprintf(out, "Duration: %s\n", resp.Result.Duration.Round(time.Millisecond))
			if resp.Result.Detail != "" {
				fmt.Fprintf(out, "Detail: %s\n", resp.Result.Detail)
			}
			return nil
		},
	}
}
