package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/portkeepd/portkeepd/internal/catalog"
)

type doctorCheck struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Note string `json:"note,omitempty"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run a handful of sanity checks against the daemon and its state directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := stateDir(cmd)
		if err != nil {
			return err
		}

		var checks []doctorCheck

		tokenPath := dir + "/auth.token"
		if _, err := os.Stat(tokenPath); err != nil {
			checks = append(checks, doctorCheck{Name: "auth token", OK: false, Note: err.Error()})
		} else {
			checks = append(checks, doctorCheck{Name: "auth token", OK: true, Note: tokenPath})
		}

		configFilePath := dir + "/config.json"
		if raw, err := os.ReadFile(configFilePath); err != nil {
			if os.IsNotExist(err) {
				checks = append(checks, doctorCheck{Name: "user config", OK: true, Note: "absent, built-in defaults apply"})
			} else {
				checks = append(checks, doctorCheck{Name: "user config", OK: false, Note: err.Error()})
			}
		} else if _, err := catalog.LoadFromFile(raw); err != nil {
			checks = append(checks, doctorCheck{Name: "user config", OK: false, Note: err.Error()})
		} else {
			checks = append(checks, doctorCheck{Name: "user config", OK: true, Note: configFilePath})
		}

		c, err := newClient(cmd)
		if err != nil {
			checks = append(checks, doctorCheck{Name: "daemon reachable", OK: false, Note: err.Error()})
		} else if _, err := c.Status(); err != nil {
			checks = append(checks, doctorCheck{Name: "daemon reachable", OK: false, Note: err.Error()})
		} else {
			checks = append(checks, doctorCheck{Name: "daemon reachable", OK: true})
		}

		if wantJSON(cmd) {
			return printJSON(checks)
		}

		allOK := true
		for _, chk := range checks {
			mark := "ok"
			if !chk.OK {
				mark = "FAIL"
				allOK = false
			}
			if chk.Note != "" {
				fmt.Printf("[%s] %s: %s\n", mark, chk.Name, chk.Note)
			} else {
				fmt.Printf("[%s] %s\n", mark, chk.Name)
			}
		}
		if !allOK {
			os.Exit(1)
		}
		return nil
	},
}
