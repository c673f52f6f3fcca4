// Package report renders finalized session summaries as human-readable text.
package report

import (
	"fmt"
	"strings"

	"github.com/surgagent/surgagent/internal/session"
)

// Render formats a session summary: headline counters followed by the
// ordered reasoning trace.
func Render(s session.Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session %s\n", s.SessionID)
	fmt.Fprintf(&b, "  Frames processed:  %d\n", s.FramesProcessed)
	fmt.Fprintf(&b, "  Final strategy:    %s\n", s.FinalStrategy)
	fmt.Fprintf(&b, "  Checkpoints:       %d\n", s.Checkpoints)
	fmt.Fprintf(&b, "  Tool switches:     %d\n", s.TotalSwitches)
	fmt.Fprintf(&b, "  Recoveries:        %d (%d successful, %.0f%%)\n",
		s.TotalRecoveries, s.SuccessfulRecoveries, s.RecoverySuccessRate*100)

	if len(s.Trace) > 0 {
		b.WriteString("\nReasoning trace:\n")
		for _, entry := range s.Trace {
			fmt.Fprintf(&b, "  frame %4d  %-20s %s\n", entry.FrameIndex, entry.Stage, entry.Rationale)
		}
	}

	return b.String()
}

// RenderList formats one line per stored summary, most recent last.
func RenderList(summaries []session.Summary) string {
	if len(summaries) == 0 {
		return "no sessions recorded\n"
	}

	var b strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&b, "%s  %s  frames=%d switches=%d recoveries=%d\n",
			s.FinalizedAt.Format("2006-01-02 15:04:05"),
			s.SessionID, s.FramesProcessed, s.TotalSwitches, s.TotalRecoveries)
	}
	return b.String()
}
