package routing

import "github.com/surgagent/surgagent/internal/session"

// PhaseRouting maps surgical phases to default detector/tracker strategies.
// It seeds new sessions and serves as the deterministic fallback when the
// strategy advisor is unavailable.
type PhaseRouting struct {
	Default   session.Strategy                   `json:"default" yaml:"default" mapstructure:"default"`
	Overrides map[session.Phase]session.Strategy `json:"overrides,omitempty" yaml:"overrides,omitempty" mapstructure:"overrides"`
}

// DefaultRouting returns the built-in phase routing table. The balanced
// yolov8+bytetrack pair is the baseline; dissection gets the deepsort
// tracker for its occlusion handling, and sparse preparation scenes run the
// cheap simple pair.
func DefaultRouting() *PhaseRouting {
	return &PhaseRouting{
		Default: session.Strategy{
			Detector:  session.DetectorYOLOv8,
			Tracker:   session.TrackerByteTrack,
			Rationale: "balanced default for unremarkable scenes",
		},
		Overrides: map[session.Phase]session.Strategy{
			session.PhasePreparation: {
				Detector:  session.DetectorSimple,
				Tracker:   session.TrackerSimple,
				Rationale: "preparation scenes are sparse and static",
			},
			session.PhaseDissection: {
				Detector:  session.DetectorYOLOv8,
				Tracker:   session.TrackerDeepSORT,
				Rationale: "dissection brings frequent instrument crossings",
			},
		},
	}
}
