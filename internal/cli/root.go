package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentcache",
	Short: "Tiered response cache and adaptive memory for AI agents",
	Long: "Agentcache fingerprints agent requests and serves them from a Hot/Warm/Cold\n" +
		"tier stack with frequency-gated admission, context memory with vitality decay,\n" +
		"predictive prefetch, and signed webhook events.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(sweepCmd)
}
