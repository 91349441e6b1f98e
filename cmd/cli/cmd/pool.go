package cmd

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/pkg/types"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect the sandbox pool",
}

var poolStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-language pool counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats map[types.Language]sandbox.LangStats
		if err := call(http.MethodGet, "/pool/stats", nil, &stats); err != nil {
			return err
		}
		printJSON(stats)
		return nil
	},
}

func init() {
	poolCmd.AddCommand(poolStatsCmd)
	rootCmd.AddCommand(poolCmd)
}
