package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/portkeepd/portkeepd/internal/daemonctx"
	applog "github.com/portkeepd/portkeepd/internal/log"
	"github.com/portkeepd/portkeepd/internal/types"
)

// Version information (set via ldflags during build)
var (
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
	Use:     "portkeepd",
	Short:   "portkeepd - per-user local port coordination daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("portkeepd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default: $HOME/.portkeepd)")
	rootCmd.PersistentFlags().String("http-addr", "127.0.0.1:9876", "loopback HTTP address")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := optionsFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, err := daemonctx.Build(opts)
		if err != nil {
			return fmt.Errorf("failed to build daemon context: %w", err)
		}

		ctx.Logger.Info().
			Int("orphans_dropped", ctx.Recovery.OrphansDropped).
			Int("singletons_repaired", ctx.Recovery.SingletonRepaired).
			Msg("recovery complete")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- ctx.Start()
		}()

		select {
		case sig := <-sigCh:
			ctx.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
			ctx.Shutdown()
			return nil
		case err := <-errCh:
			ctx.Shutdown()
			return err
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a daemon state file exists in the state directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		stateDir, _ := cmd.Flags().GetString("state-dir")
		if stateDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				home = "."
			}
			stateDir = filepath.Join(home, ".portkeepd")
		}
		statePath := filepath.Join(stateDir, "daemon.state")
		if _, err := os.Stat(statePath); err != nil {
			fmt.Println("no state file found; daemon has not run in this state directory")
			return nil
		}
		fmt.Printf("state file present at %s\n", statePath)
		return nil
	},
}

func optionsFromFlags(cmd *cobra.Command) (daemonctx.Options, error) {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	stateDir, _ := cmd.Flags().GetString("state-dir")
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	return daemonctx.Options{
		StateDir: stateDir,
		LogLevel: applog.Level(logLevel),
		LogJSON:  logJSON,
		HTTPAddr: httpAddr,
		AutoAlloc: types.AutoAllocationConfig{
			Enabled:      true,
			DefaultChunk: 10,
			Placement:    types.PlacementSmart,
			MinPort:      20000,
			MaxPort:      65000,
			PreserveGaps: true,
			GapSize:      5,
		},
	}, nil
}
