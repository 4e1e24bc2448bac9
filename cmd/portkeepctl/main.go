// Command portkeepctl is the thin CLI client of portkeepd's HTTP
// Surface (§6). It owns no daemon state of its own; most subcommands
// open a client, make one or two calls, and print the result, while the
// config validate/generate and auto-allocation status/enable/disable/list
// commands work on the local user config file directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/portkeepd/portkeepd/internal/client"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "portkeepctl",
	Short:   "portkeepctl - CLI client for the portkeepd port coordination daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("portkeepctl version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("daemon-addr", "127.0.0.1:9876", "daemon HTTP address")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory holding auth.token (default: $HOME/.portkeepd)")
	rootCmd.PersistentFlags().Bool("json", false, "emit JSON to standard output")

	rootCmd.AddCommand(allocateCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(doctorCmd)
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("daemon-addr")
	dir, err := stateDir(cmd)
	if err != nil {
		return nil, err
	}
	return client.New(addr, dir)
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}
