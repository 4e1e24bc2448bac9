package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List registered instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		out, err := c.Instances()
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(out)
		}
		list, _ := out["instances"].([]any)
		if len(list) == 0 {
			fmt.Println("no registered instances")
			return nil
		}
		for _, raw := range list {
			rec, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("%v\t%v\tlast heartbeat %v\n", rec["instance_id"], rec["working_directory"], rec["last_heartbeat"])
		}
		return nil
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest TYPE",
	Short: "List candidate ports for a service type without reserving any",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("count")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ports, err := c.Suggest(args[0], n)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(map[string]any{"ports": ports})
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}

func init() {
	suggestCmd.Flags().IntP("count", "n", 3, "number of suggestions")
}
