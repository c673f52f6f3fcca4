package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/surgagent/surgagent/internal/config"
	"github.com/surgagent/surgagent/internal/events"
)

var (
	traceSession string
	traceStage   string
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Replay the reasoning trace",
	Long: `Trace prints the recorded reasoning steps from trace.jsonl, optionally
filtered by session ID and stage.`,
	RunE: runTrace,
}

func init() {
	traceCmd.Flags().StringVar(&traceSession, "session", "", "only show events for this session ID")
	traceCmd.Flags().StringVar(&traceStage, "stage", "", "only show events from this stage")
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if traceStage != "" && !events.IsValidStage(traceStage) {
		return fmt.Errorf("unknown stage %q (valid: %v)", traceStage, events.ValidStages())
	}

	path := filepath.Join(cfg.Trace.Dir, events.DefaultFilename)
	all, err := events.ReadEvents(path)
	if err != nil {
		return err
	}

	filtered := events.FilterBySession(all, traceSession)
	if traceStage != "" {
		filtered = events.FilterByStage(filtered, events.Stage(traceStage))
	}

	if len(filtered) == 0 {
		fmt.Println("no matching events")
		return nil
	}

	for _, ev := range filtered {
		line := fmt.Sprintf("%s  %s  frame %4d  %-18s",
			ev.Timestamp.Format("15:04:05.000"), ev.SessionID, ev.FrameIndex, ev.Stage)
		if ev.Decision != "" {
			line += fmt.Sprintf("  decision=%s", ev.Decision)
		}
		if ev.Strategy != "" {
			line += fmt.Sprintf("  strategy=%s", ev.Strategy)
		}
		if ev.Action != "" {
			line += fmt.Sprintf("  action=%s", ev.Action)
		}
		if ev.Rationale != "" {
			line += "  " + ev.Rationale
		}
		fmt.Println(line)
	}
	return nil
}
