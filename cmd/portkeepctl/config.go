package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/portkeepd/portkeepd/internal/catalog"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and manage the service-type catalog",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the live daemon catalog and compliance stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		out, err := c.Config()
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the user config file without starting the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath(cmd)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("%s does not exist; built-in defaults apply\n", path)
				return nil
			}
			return err
		}
		if _, err := catalog.LoadFromFile(raw); err != nil {
			return err
		}
		fmt.Printf("%s is valid\n", path)
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a starter config file with no overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath(cmd)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
		}
		const starter = "service_types: []\npattern_rules: []\nauto_allocation:\n  enabled: true\n  default_chunk: 10\n  placement: smart\n  min_port: 20000\n  max_port: 65000\n  preserve_gaps: true\n  gap_size: 5\n"
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(starter), 0600); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

var configInstancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List registered instances (alias of `portkeepctl instances`)",
	RunE:  instancesCmd.RunE,
}

var autoAllocCmd = &cobra.Command{
	Use:   "auto-allocation",
	Short: "Inspect and manage auto-allocated service types",
}

var autoAllocStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the auto_allocation settings in the user config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWriter(cmd)
		if err != nil {
			return err
		}
		cfg, err := w.GetAutoAllocation()
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cfg)
		}
		fmt.Printf("enabled: %v (chunk=%d, placement=%s)\n", cfg.Enabled, cfg.DefaultChunk, cfg.Placement)
		return nil
	},
}

var autoAllocEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Set auto_allocation.enabled to true in the user config file",
	Long: "Set auto_allocation.enabled to true in the user config file. " +
		"A running portkeepd does not read this setting: portkeepd start " +
		"always runs with auto-allocation enabled.",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWriter(cmd)
		if err != nil {
			return err
		}
		if err := w.SetAutoAllocationEnabled(true); err != nil {
			return err
		}
		fmt.Println("auto-allocation enabled")
		return nil
	},
}

var autoAllocDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Set auto_allocation.enabled to false in the user config file",
	Long: "Set auto_allocation.enabled to false in the user config file. " +
		"A running portkeepd does not read this setting: portkeepd start " +
		"always runs with auto-allocation enabled.",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWriter(cmd)
		if err != nil {
			return err
		}
		if err := w.SetAutoAllocationEnabled(false); err != nil {
			return err
		}
		fmt.Println("auto-allocation disabled")
		return nil
	},
}

var autoAllocUndoCmd = &cobra.Command{
	Use:   "undo TYPE",
	Short: "Remove a previously auto-allocated service type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Routed through the running daemon, not the Catalog Writer
		// directly, so the removal is audited and the live in-memory
		// catalog is updated immediately.
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.UndoAutoAllocation(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed auto-allocated service type %q\n", args[0])
		return nil
	},
}

var autoAllocListCmd = &cobra.Command{
	Use:   "list",
	Short: "List auto-allocated service types",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newWriter(cmd)
		if err != nil {
			return err
		}
		entries, err := w.ListAutoAllocated()
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("no auto-allocated service types")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s\t[%d-%d]\n", e.Name, e.Range.Low, e.Range.High)
		}
		return nil
	},
}

func init() {
	configGenerateCmd.Flags().Bool("force", false, "overwrite an existing config file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configInstancesCmd)
	configCmd.AddCommand(autoAllocCmd)

	autoAllocCmd.AddCommand(autoAllocStatusCmd)
	autoAllocCmd.AddCommand(autoAllocEnableCmd)
	autoAllocCmd.AddCommand(autoAllocDisableCmd)
	autoAllocCmd.AddCommand(autoAllocUndoCmd)
	autoAllocCmd.AddCommand(autoAllocListCmd)
}

func stateDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("state-dir")
	if dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".portkeepd"), nil
}

func configPath(cmd *cobra.Command) (string, error) {
	dir, err := stateDir(cmd)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

func newWriter(cmd *cobra.Command) (*catalog.Writer, error) {
	dir, err := stateDir(cmd)
	if err != nil {
		return nil, err
	}
	return catalog.NewWriter(filepath.Join(dir, "config.json"), filepath.Join(dir, "config-backups")), nil
}
