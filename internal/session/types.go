// Package session defines the data model for one tracking session: the
// scene description, the active detector/tracker strategy, the per-frame
// confidence history, and the append-only decision logs that make up the
// session's reasoning trace.
package session

import (
	"sort"
	"time"
)

// DetectorID identifies one of the available detection backends.
type DetectorID string

const (
	DetectorSimple   DetectorID = "simple"
	DetectorYOLOv8   DetectorID = "yolov8_surgical"
	DetectorAdvanced DetectorID = "advanced"
)

// ValidDetectors is the set of recognized detector identifiers.
var ValidDetectors = map[DetectorID]bool{
	DetectorSimple:   true,
	DetectorYOLOv8:   true,
	DetectorAdvanced: true,
}

// TrackerID identifies one of the available tracking backends.
type TrackerID string

const (
	TrackerSimple    TrackerID = "simple"
	TrackerByteTrack TrackerID = "bytetrack"
	TrackerDeepSORT  TrackerID = "deepsort"
)

// ValidTrackers is the set of recognized tracker identifiers.
var ValidTrackers = map[TrackerID]bool{
	TrackerSimple:    true,
	TrackerByteTrack: true,
	TrackerDeepSORT:  true,
}

// Challenge is a scene difficulty tag reported by the classifier.
type Challenge string

const (
	ChallengeSmoke     Challenge = "smoke"
	ChallengeBlood     Challenge = "blood"
	ChallengeOcclusion Challenge = "occlusion"
	ChallengeNone      Challenge = "none"
)

// Phase is the estimated surgical phase of the scene.
type Phase string

const (
	PhasePreparation Phase = "preparation"
	PhaseDissection  Phase = "dissection"
	PhaseClipping    Phase = "clipping"
	PhasePackaging   Phase = "packaging"
	PhaseUnknown     Phase = "unknown"
)

// ValidPhases is the set of recognized surgical phase names.
var ValidPhases = map[Phase]bool{
	PhasePreparation: true,
	PhaseDissection:  true,
	PhaseClipping:    true,
	PhasePackaging:   true,
	PhaseUnknown:     true,
}

// SceneSummary is the structured description of one analyzed frame.
// It is immutable once produced by the classifier.
type SceneSummary struct {
	Visibility      int         `json:"visibility" yaml:"visibility"`             // 1-10
	InstrumentCount int         `json:"instrument_count" yaml:"instrument_count"` // >= 0
	Challenges      []Challenge `json:"challenges,omitempty" yaml:"challenges,omitempty"`
	Phase           Phase       `json:"phase" yaml:"phase"`
}

// HasChallenge reports whether the scene carries the given challenge tag.
func (s SceneSummary) HasChallenge(c Challenge) bool {
	for _, tag := range s.Challenges {
		if tag == c {
			return true
		}
	}
	return false
}

// Strategy is a chosen detector+tracker pair with the rationale that
// selected it.
type Strategy struct {
	Detector  DetectorID `json:"detector" yaml:"detector"`
	Tracker   TrackerID  `json:"tracker" yaml:"tracker"`
	Rationale string     `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// Equal reports whether two strategies name the same detector and tracker.
// Rationale text is ignored.
func (s Strategy) Equal(other Strategy) bool {
	return s.Detector == other.Detector && s.Tracker == other.Tracker
}

// String returns the "detector+tracker" display form.
func (s Strategy) String() string {
	return string(s.Detector) + "+" + string(s.Tracker)
}

// ConfidenceSample is one per-frame tracker confidence reading.
type ConfidenceSample struct {
	FrameIndex int     `json:"frame_index"`
	Value      float64 `json:"value"` // in [0, 1]
}

// Decision is the outcome of a quality checkpoint.
type Decision string

const (
	DecisionContinue   Decision = "continue"
	DecisionReplan     Decision = "replan"
	DecisionSwitchTool Decision = "switch_tool"
)

// QualityCheckpoint records a periodic quality evaluation. Immutable once
// appended.
type QualityCheckpoint struct {
	FrameIndex        int      `json:"frame_index"`
	AverageConfidence float64  `json:"average_confidence"`
	TrackContinuity   float64  `json:"track_continuity"`
	Decision          Decision `json:"decision"`
	ThresholdUsed     float64  `json:"threshold_used"`
	Rationale         string   `json:"rationale"`
}

// SwitchReason explains why a tool switch happened.
type SwitchReason string

const (
	SwitchOcclusionDetected SwitchReason = "occlusion_detected"
	SwitchLowConfidence     SwitchReason = "low_confidence"
	SwitchTrackLoss         SwitchReason = "track_loss"
	SwitchManual            SwitchReason = "manual"
)

// ToolSwitchEvent records a change of active strategy. ConfidenceAfter is
// nil until the next confidence sample arrives, then patched exactly once.
type ToolSwitchEvent struct {
	FrameIndex       int          `json:"frame_index"`
	From             Strategy     `json:"from"`
	To               Strategy     `json:"to"`
	Reason           SwitchReason `json:"reason"`
	ConfidenceBefore float64      `json:"confidence_before"`
	ConfidenceAfter  *float64     `json:"confidence_after,omitempty"`
	Rationale        string       `json:"rationale"`
}

// FailureType names a tracking failure mode.
type FailureType string

const (
	FailureTrackLoss      FailureType = "track_loss"
	FailureLowConfidence  FailureType = "low_confidence"
	FailureIdentitySwitch FailureType = "identity_switch"
)

// ValidFailureTypes is the set of recognized failure modes.
var ValidFailureTypes = map[FailureType]bool{
	FailureTrackLoss:      true,
	FailureLowConfidence:  true,
	FailureIdentitySwitch: true,
}

// RecoveryAction names a remedial action taken after a failure.
type RecoveryAction string

const (
	ActionReinitialize      RecoveryAction = "reinitialize"
	ActionSwitchDetector    RecoveryAction = "switch_detector"
	ActionSwitchTracker     RecoveryAction = "switch_tracker"
	ActionIncreaseThreshold RecoveryAction = "increase_threshold"
	ActionSkipFrames        RecoveryAction = "skip_frames"
)

// ValidActions is the set of recognized recovery actions.
var ValidActions = map[RecoveryAction]bool{
	ActionReinitialize:      true,
	ActionSwitchDetector:    true,
	ActionSwitchTracker:     true,
	ActionIncreaseThreshold: true,
	ActionSkipFrames:        true,
}

// RecoveryEvent records a remedial action. Success is nil while the outcome
// is pending and patched exactly once when the recovery window elapses.
type RecoveryEvent struct {
	FrameIndex      int            `json:"frame_index"`
	FailureType     FailureType    `json:"failure_type"`
	Action          RecoveryAction `json:"action"`
	Success         *bool          `json:"success,omitempty"`
	FramesToRecover int            `json:"frames_to_recover,omitempty"`
	Rationale       string         `json:"rationale"`
}

// Resolved reports whether the recovery outcome has been determined.
func (e RecoveryEvent) Resolved() bool {
	return e.Success != nil
}

// Note is a free-form reasoning step appended to the trace outside the
// structured logs (advisor fallbacks, degraded-mode rationales).
type Note struct {
	FrameIndex int    `json:"frame_index"`
	Stage      string `json:"stage"`
	Rationale  string `json:"rationale"`
}

// TraceEntry is one line of the ordered reasoning trace in a finalized
// summary.
type TraceEntry struct {
	FrameIndex int    `json:"frame_index"`
	Stage      string `json:"stage"`
	Rationale  string `json:"rationale"`
}

// Summary is the aggregate produced by finalizing a session.
type Summary struct {
	SessionID            string       `json:"session_id"`
	CreatedAt            time.Time    `json:"created_at"`
	FinalizedAt          time.Time    `json:"finalized_at"`
	FramesProcessed      int          `json:"frames_processed"`
	FinalStrategy        Strategy     `json:"final_strategy"`
	TotalSwitches        int          `json:"total_switches"`
	TotalRecoveries      int          `json:"total_recoveries"`
	SuccessfulRecoveries int          `json:"successful_recoveries"`
	RecoverySuccessRate  float64      `json:"recovery_success_rate"`
	Checkpoints          int          `json:"checkpoints"`
	Trace                []TraceEntry `json:"trace"`
}

// sortTrace orders trace entries by frame index, keeping the within-frame
// insertion order stable so repeated finalize calls produce identical output.
func sortTrace(entries []TraceEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FrameIndex < entries[j].FrameIndex
	})
}
