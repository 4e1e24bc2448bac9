package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove allocations whose backing process is gone",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		out, err := c.Cleanup(force)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(out)
		}
		fmt.Printf("cleaned %v allocation(s)\n", out["cleaned"])
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolP("force", "f", false, "remove every allocation regardless of liveness")
}
