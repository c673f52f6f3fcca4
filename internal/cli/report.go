package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surgagent/surgagent/internal/config"
	"github.com/surgagent/surgagent/internal/report"
	"github.com/surgagent/surgagent/internal/trace"
)

var reportCmd = &cobra.Command{
	Use:   "report [session-id]",
	Short: "Show persisted session summaries",
	Long: `Report lists the persisted session summaries, or renders the full
reasoning report for one session ID.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store := trace.NewStore(cfg.Trace.Dir, cfg.Trace.MaxSessions)
	if err := store.Load(); err != nil {
		return err
	}

	if len(args) == 0 {
		fmt.Print(report.RenderList(store.Summaries()))
		return nil
	}

	summary := store.ByID(args[0])
	if summary == nil {
		return fmt.Errorf("no session %q in the store", args[0])
	}
	fmt.Print(report.Render(*summary))
	return nil
}
