package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a port range for usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetInt("start")
		end, _ := cmd.Flags().GetInt("end")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		out, err := c.Scan(start, end)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(out)
		}
		inUse, _ := out["ports_in_use"].([]any)
		fmt.Printf("scanned %d-%d: %d port(s) in use\n", start, end, len(inUse))
		for _, p := range inUse {
			fmt.Printf("  %v\n", p)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().IntP("start", "s", 1024, "range start")
	scanCmd.Flags().IntP("end", "e", 65535, "range end")
}
