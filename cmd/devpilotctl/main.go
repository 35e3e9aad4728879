// Package main implements devpilotctl, the command-line client for a running
// devpilot server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvdpsingh/DevPilot/internal/client"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options holds the persistent flags shared by every subcommand.
type options struct {
	serverURL  string
	outputJSON bool
	timeout    time.Duration
}

func (o *options) client() (*client.Client, error) {
	return client.New(o.serverURL, client.WithHTTPClient(&http.Client{Timeout: o.timeout}))
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "devpilotctl",
		Short: "CLI for the devpilot server",
		Long: `devpilotctl is a command-line interface for a running devpilot server.
It starts and stops development loops, inspects project records and
watches the server in a live dashboard.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaultServer := os.Getenv("DEVPILOT_SERVER_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8000"
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", defaultServer, "devpilot server URL")
	root.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Output results as JSON")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "Request timeout")

	root.AddCommand(
		newHealthCmd(opts),
		newStartCmd(opts),
		newListCmd(opts),
		newStatusCmd(opts),
		newStopCmd(opts),
		newRestartCmd(opts),
		newTestCmd(opts),
		newSystemStatusCmd(opts),
		newCleanupCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// truncate shortens s to maxLen, appending "..." when cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
