package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check PORT",
	Short: "Report whether a port is available",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("port must be numeric: %w", err)
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		status, err := c.Check(port)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(status)
		}
		if status.Available {
			fmt.Printf("%d: available\n", port)
			return nil
		}
		if status.AllocatedTo != "" {
			fmt.Printf("%d: allocated to %s (%s)\n", port, status.AllocatedTo, status.ServiceType)
			return nil
		}
		fmt.Printf("%d: in use (%s)\n", port, status.SystemUsage)
		return nil
	},
}
