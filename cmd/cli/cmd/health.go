package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

var detailed bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/health"
		if detailed {
			path = "/health/detailed"
		}
		var out map[string]any
		if err := call(http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	healthCmd.Flags().BoolVar(&detailed, "detailed", false, "include dependency probes and pool stats")
	rootCmd.AddCommand(healthCmd)
}
