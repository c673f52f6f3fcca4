// Package routing resolves the default detector/tracker strategy for a
// surgical phase. The table is static configuration; the advisor may refine
// it at runtime, but the router's answer is always available and always
// deterministic.
package routing

import (
	"sort"

	"github.com/surgagent/surgagent/internal/session"
)

// Router resolves the strategy to use for a given surgical phase.
type Router struct {
	routing *PhaseRouting
}

// NewRouter creates a router. Nil-safe: nil routing falls back to the
// built-in table.
func NewRouter(routing *PhaseRouting) *Router {
	if routing == nil {
		routing = DefaultRouting()
	}
	return &Router{routing: routing}
}

// StrategyForPhase returns the strategy for the given phase. Returns the
// override if one exists, otherwise the default.
func (r *Router) StrategyForPhase(phase session.Phase) session.Strategy {
	if r.routing.Overrides != nil {
		if s, ok := r.routing.Overrides[phase]; ok {
			return s
		}
	}
	return r.routing.Default
}

// StrategyForScene returns the routed strategy for the scene's phase,
// upgraded for scene challenges the routed pair is not designed for: smoke
// forces the advanced detector and occlusion forces an occlusion-tolerant
// tracker.
func (r *Router) StrategyForScene(scene session.SceneSummary) session.Strategy {
	s := r.StrategyForPhase(scene.Phase)
	if scene.HasChallenge(session.ChallengeSmoke) && s.Detector != session.DetectorAdvanced {
		s.Detector = session.DetectorAdvanced
		s.Rationale = "smoke reported, routed to smoke-robust detector"
	}
	if scene.HasChallenge(session.ChallengeOcclusion) && s.Tracker == session.TrackerSimple {
		s.Tracker = session.TrackerByteTrack
		s.Rationale = "occlusion reported, routed to occlusion-tolerant tracker"
	}
	return s
}

// Phases returns the phase names with explicit overrides, sorted for
// deterministic ordering.
func (r *Router) Phases() []session.Phase {
	phases := make([]session.Phase, 0, len(r.routing.Overrides))
	for p := range r.routing.Overrides {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	return phases
}

// UnknownPhases returns override phase names that are not recognized
// surgical phases. Returns nil if all phases are recognized.
func (r *Router) UnknownPhases() []session.Phase {
	var unknown []session.Phase
	for p := range r.routing.Overrides {
		if !session.ValidPhases[p] {
			unknown = append(unknown, p)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	return unknown
}
