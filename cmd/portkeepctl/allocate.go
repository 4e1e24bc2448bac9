package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/portkeepd/portkeepd/internal/client"
)

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Request a port for a service type",
	Long: `Request a port allocation for a service type.

Examples:
  # Allocate a port for the "dev" service type
  portkeepctl allocate -s dev

  # Request a specific port and give the allocation a name
  portkeepctl allocate -s dev -p 3000 -n my-app --project ~/code/my-app`,
	RunE: runAllocate,
}

func init() {
	allocateCmd.Flags().StringP("type", "s", "", "service type (required)")
	allocateCmd.Flags().IntP("port", "p", 0, "preferred port")
	allocateCmd.Flags().StringP("name", "n", "", "service name label")
	allocateCmd.Flags().String("project", "", "project path")
	allocateCmd.Flags().String("instance-id", "", "instance id (default: derived from PID)")
	allocateCmd.Flags().Bool("dry-run", false, "report the port that would be allocated without reserving it")
	_ = allocateCmd.MarkFlagRequired("type")
}

func runAllocate(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	serviceType, _ := cmd.Flags().GetString("type")
	port, _ := cmd.Flags().GetInt("port")
	name, _ := cmd.Flags().GetString("name")
	project, _ := cmd.Flags().GetString("project")
	instanceID, _ := cmd.Flags().GetString("instance-id")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if instanceID == "" {
		instanceID = fmt.Sprintf("pid-%d", os.Getpid())
	}

	resp, err := c.Allocate(client.AllocateRequest{
		ServiceType:   serviceType,
		ServiceName:   name,
		PreferredPort: port,
		InstanceID:    instanceID,
		ProjectPath:   project,
		DryRun:        dryRun,
	})
	if err != nil {
		return err
	}

	if wantJSON(cmd) {
		return printJSON(resp)
	}

	if resp.Existing {
		fmt.Printf("port %d already allocated to instance %s (pid %d)\n", resp.Port, resp.ExistingInstanceID, resp.ExistingPID)
		return nil
	}
	if resp.AutoAllocated {
		fmt.Printf("service type %q was unknown; synthesized a new range and allocated port %d (lock %s)\n", serviceType, resp.Port, resp.LockID)
		return nil
	}
	fmt.Printf("allocated port %d (lock %s)\n", resp.Port, resp.LockID)
	return nil
}
