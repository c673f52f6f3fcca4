// Package loop implements the adaptive control loop: it owns the checkpoint
// decision policy, the scene-change and failure handling rules, and the
// bounded advisor calls with deterministic fallback. The loop mutates one
// session at a time and records every decision as a reasoning step.
package loop

import (
	"fmt"

	"github.com/surgagent/surgagent/internal/session"
)

// Thresholds holds the windows and thresholds driving the decision policy.
// All values are explicit configuration so the policy is testable in
// isolation.
type Thresholds struct {
	// CheckpointInterval is the frame spacing between quality checkpoints.
	CheckpointInterval int

	// Window is the number of trailing samples a checkpoint evaluates.
	Window int

	// ConfidenceFloor is the minimum confidence below which a frame counts
	// as a continuity break.
	ConfidenceFloor float64

	// LowConfidence is the average below which (combined with poor
	// continuity) the policy switches tools. Also the bar a recovery must
	// clear to count as successful.
	LowConfidence float64

	// Continuity is the track-continuity fraction below which the policy
	// considers the track broken.
	Continuity float64

	// Replan is the average below which the policy re-consults the advisor.
	Replan float64

	// RecoveryWindow is the number of frames a recovery has to restore
	// confidence before it counts as failed.
	RecoveryWindow int
}

// DefaultThresholds returns the documented default policy configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CheckpointInterval: 15,
		Window:             15,
		ConfidenceFloor:    0.3,
		LowConfidence:      0.5,
		Continuity:         0.6,
		Replan:             0.65,
		RecoveryWindow:     10,
	}
}

// evaluate computes a quality checkpoint over the given trailing window.
// Rules are evaluated in fixed order with strict less-than comparisons; the
// first matching rule wins. Pure function of its inputs.
func evaluate(window []session.ConfidenceSample, th Thresholds) session.QualityCheckpoint {
	sum := 0.0
	above := 0
	for _, s := range window {
		sum += s.Value
		// A frame at or below the floor is a continuity break.
		if s.Value > th.ConfidenceFloor {
			above++
		}
	}
	avg := sum / float64(len(window))
	continuity := float64(above) / float64(len(window))

	cp := session.QualityCheckpoint{
		FrameIndex:        window[len(window)-1].FrameIndex,
		AverageConfidence: avg,
		TrackContinuity:   continuity,
	}

	switch {
	case avg < th.LowConfidence && continuity < th.Continuity:
		cp.Decision = session.DecisionSwitchTool
		cp.ThresholdUsed = th.LowConfidence
		cp.Rationale = fmt.Sprintf(
			"average confidence %.3f below %.2f and continuity %.2f below %.2f over %d frames",
			avg, th.LowConfidence, continuity, th.Continuity, len(window))
	case avg < th.Replan:
		cp.Decision = session.DecisionReplan
		cp.ThresholdUsed = th.Replan
		cp.Rationale = fmt.Sprintf(
			"average confidence %.3f below %.2f over %d frames, continuity %.2f",
			avg, th.Replan, len(window), continuity)
	default:
		cp.Decision = session.DecisionContinue
		cp.ThresholdUsed = th.Replan
		cp.Rationale = fmt.Sprintf(
			"average confidence %.3f at or above %.2f over %d frames, continuity %.2f",
			avg, th.Replan, len(window), continuity)
	}
	return cp
}

// covers reports whether the strategy is designed for the given challenge.
// Only the advanced detector handles smoke; bytetrack and deepsort tolerate
// occlusion, the simple tracker does not. Every strategy handles the rest.
func covers(s session.Strategy, c session.Challenge) bool {
	switch c {
	case session.ChallengeSmoke:
		return s.Detector == session.DetectorAdvanced
	case session.ChallengeOcclusion:
		return s.Tracker == session.TrackerByteTrack || s.Tracker == session.TrackerDeepSORT
	default:
		return true
	}
}

// defaultRecoveryActions maps each failure mode to its fallback action, used
// when the advisor is unavailable or returns an unrecognized action.
var defaultRecoveryActions = map[session.FailureType]session.RecoveryAction{
	session.FailureTrackLoss:      session.ActionReinitialize,
	session.FailureLowConfidence:  session.ActionSwitchDetector,
	session.FailureIdentitySwitch: session.ActionIncreaseThreshold,
}
