package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitelens/sitelens/internal/app"
	"github.com/sitelens/sitelens/internal/config"
	"github.com/sitelens/sitelens/internal/logging"
)

// newAnalyzeCmd creates and configures the 'analyze' subcommand.
func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <url>",
		Short: "Analyze a single URL and print the report",
		Long: `Runs one analysis synchronously against in-memory backends and prints
the report as JSON on stdout. Logs go to stderr, so the output can be
piped. External queue, storage, and publisher settings are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: runAnalyze,
	}
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := app.AnalyzeOnce(ctx, cfg, logger, args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
