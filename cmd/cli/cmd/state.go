package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/opensandbox/runbox/pkg/types"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and manage session state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var meta types.SessionMeta
		if err := call(http.MethodGet, "/sessions/"+args[0], nil, &meta); err != nil {
			return err
		}
		printJSON(meta)
		return nil
	},
}

var statePurgeCmd = &cobra.Command{
	Use:   "purge <session-id>",
	Short: "Delete a session's state from every tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(http.MethodDelete, "/sessions/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("session %s purged\n", args[0])
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateShowCmd, statePurgeCmd)
	rootCmd.AddCommand(stateCmd)
}
