package main

import (
	"encoding/json"
	"fmt"
)

// printJSON marshals v with indentation, the same "pretty JSON to
// stdout when --json is set" convention used across the subcommands.
func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
