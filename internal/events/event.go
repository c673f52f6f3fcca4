// Package events provides the structured reasoning-step events emitted by
// the control loop. Every stage of a session — scene analysis, strategy
// selection, checkpoints, tool switches, recoveries, advisor fallbacks —
// appends one event, so the serialized stream is a complete audit trail of
// why the loop did what it did.
package events

import (
	"time"
)

// Stage identifies the control-loop stage an event came from.
type Stage string

const (
	// StageSceneAnalysis is a classifier result for an analyzed frame.
	StageSceneAnalysis Stage = "scene_analysis"
	// StageStrategySelection is an advisor strategy recommendation.
	StageStrategySelection Stage = "strategy_selection"
	// StageCheckpoint is a periodic quality evaluation.
	StageCheckpoint Stage = "checkpoint"
	// StageToolSwitch is a change of active strategy.
	StageToolSwitch Stage = "tool_switch"
	// StageRecovery is a remedial action after a failure.
	StageRecovery Stage = "recovery"
	// StageFallback is a degraded-mode decision taken without the advisor.
	StageFallback Stage = "fallback"
	// StageError is a non-fatal error recorded for the audit trail.
	StageError Stage = "error"
)

// TraceEvent is one reasoning step in a session's audit trail.
type TraceEvent struct {
	// Timestamp is when the event was recorded.
	Timestamp time.Time `json:"timestamp"`

	// SessionID identifies the tracking session.
	SessionID string `json:"session_id"`

	// FrameIndex is the frame the event refers to, or -1 when the event
	// is not tied to a specific frame.
	FrameIndex int `json:"frame_index"`

	// Stage categorizes the event.
	Stage Stage `json:"stage"`

	// Action is a short human-readable description of what was done.
	Action string `json:"action,omitempty"`

	// Rationale explains why.
	Rationale string `json:"rationale,omitempty"`

	// Decision carries the checkpoint decision for checkpoint events.
	Decision string `json:"decision,omitempty"`

	// Strategy carries the "detector+tracker" pair for selection and
	// switch events.
	Strategy string `json:"strategy,omitempty"`

	// Confidence carries the confidence value relevant to the event.
	Confidence float64 `json:"confidence,omitempty"`
}

// ValidStages returns all valid stage values.
func ValidStages() []Stage {
	return []Stage{
		StageSceneAnalysis,
		StageStrategySelection,
		StageCheckpoint,
		StageToolSwitch,
		StageRecovery,
		StageFallback,
		StageError,
	}
}

// IsValidStage checks if the given string is a valid stage.
func IsValidStage(s string) bool {
	for _, stage := range ValidStages() {
		if string(stage) == s {
			return true
		}
	}
	return false
}
