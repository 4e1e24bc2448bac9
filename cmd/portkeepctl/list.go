package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List current allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		out, err := c.Allocations()
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(out)
		}
		allocs, _ := out["allocations"].([]any)
		if len(allocs) == 0 {
			fmt.Println("no allocations")
			return nil
		}
		verbose, _ := cmd.Flags().GetBool("verbose")
		for _, raw := range allocs {
			a, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if verbose {
				fmt.Printf("%v\t%v\t%v\tlock=%v\n", a["port"], a["service_type"], a["instance_id"], a["lock_id"])
				continue
			}
			fmt.Printf("%v\t%v\t%v\n", a["port"], a["service_type"], a["instance_id"])
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolP("verbose", "v", false, "include lock ids and process info")
}
