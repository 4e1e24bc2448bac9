package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var releaseCmd = &cobra.Command{
	Use:   "release LOCK_ID",
	Short: "Release a previously allocated port",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.Release(args[0]); err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(map[string]any{"success": true, "message": "released"})
		}
		fmt.Printf("released %s\n", args[0])
		return nil
	},
}
