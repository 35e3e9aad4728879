package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nvdpsingh/DevPilot/internal/monitor"
	"github.com/nvdpsingh/DevPilot/internal/project"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check devpilot server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to reach %s: %w", opts.serverURL, err)
			}
			if opts.outputJSON {
				return outputJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", opts.serverURL)
			return nil
		},
	}
}

func newSystemStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "system-status",
		Short: "Show server-wide loop and store status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.SystemStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get system status: %w", err)
			}
			if opts.outputJSON {
				return outputJSON(cmd.OutOrStdout(), st)
			}

			out := cmd.OutOrStdout()
			store := "available"
			if !st.Store.Available {
				store = "unavailable: " + st.Store.Error
			}
			fmt.Fprintf(out, "Active loops: %d\n", st.ActiveLoops)
			if len(st.ActiveProjects) > 0 {
				fmt.Fprintf(out, "Active projects: %s\n", strings.Join(st.ActiveProjects, ", "))
			}
			fmt.Fprintf(out, "Total projects: %d\n", st.TotalProjects)
			fmt.Fprintf(out, "Max iterations: %d\n", st.MaxIterations)
			fmt.Fprintf(out, "Store: %s (%s)\n", st.Store.Backend, store)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\nSTATUS\tPROJECTS")
			for _, s := range project.AllStatuses() {
				if n := st.ByStatus[s]; n > 0 {
					fmt.Fprintf(w, "%s\t%d\n", s, n)
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(st.Collaborators) > 0 {
				keys := make([]string, 0, len(st.Collaborators))
				for k := range st.Collaborators {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintln(out, "\nCollaborators:")
				for _, k := range keys {
					fmt.Fprintf(out, "  %s: %s\n", k, st.Collaborators[k])
				}
			}
			return nil
		},
	}
}

func newCleanupCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Stop every running loop and deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("cleanup stops every loop and deployment; pass --yes to confirm")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Cleanup(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			if opts.outputJSON {
				return outputJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stopped loops: %d\n", res.StoppedLoops)
			fmt.Fprintf(out, "Stopped deployments: %d\n", res.StoppedDeployments)
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm cleanup")
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of loops and projects",
		Long: `Open a terminal dashboard that polls the server.

Keys:
  r  refresh now
  q  quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval < 500*time.Millisecond {
				return fmt.Errorf("--interval must be at least 500ms")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			model := monitor.NewModel(c, opts.serverURL, interval)
			p := tea.NewProgram(model,
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Refresh interval")
	return cmd
}
