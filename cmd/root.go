package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "blackbox",
	Short: "HTTP failure capture and request activity tracking",
	Long: `Blackbox watches an HTTP application for server failures, converts
them into deduplicated incidents with human-readable identifiers, and
keeps a per-request audit trail of what changed. This CLI runs the
read API server and maintenance tasks over the incident database.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", ".blackbox.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
