package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitelens",
		Short: "Automated website design analysis",
		Long: `sitelens renders a web page in a headless browser, scores its visual
design along independent dimensions, and produces prioritized
recommendations. Run it as a long-lived service with an HTTP API and a
worker pool, or analyze a single URL from the command line.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars override; SITELENS_ prefix)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAnalyzeCmd())

	return cmd
}

// Execute runs the CLI. Cobra prints the failing command's error before
// Execute returns, so the exit code is the only thing left to set.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
