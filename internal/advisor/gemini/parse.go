package gemini

import (
	"encoding/json"
	"strings"

	"github.com/surgagent/surgagent/internal/session"
)

// extractJSON returns the first top-level JSON object embedded in the
// model's text, or nil if none is found. Models often wrap JSON in prose or
// markdown fences.
func extractJSON(text string) []byte {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(text[start : i+1])
			}
		}
	}
	return nil
}

// detectorAliases maps model output variants to canonical detector ids.
var detectorAliases = map[string]session.DetectorID{
	"simple":            session.DetectorSimple,
	"simple_detector":   session.DetectorSimple,
	"yolov8_surgical":   session.DetectorYOLOv8,
	"yolov8":            session.DetectorYOLOv8,
	"advanced":          session.DetectorAdvanced,
	"advanced_detector": session.DetectorAdvanced,
}

// trackerAliases maps model output variants to canonical tracker ids.
var trackerAliases = map[string]session.TrackerID{
	"simple":         session.TrackerSimple,
	"simple_tracker": session.TrackerSimple,
	"bytetrack":      session.TrackerByteTrack,
	"byte_track":     session.TrackerByteTrack,
	"deepsort":       session.TrackerDeepSORT,
	"deep_sort":      session.TrackerDeepSORT,
}

// parseSceneSummary extracts a scene summary from model text. Parsing
// failures fall back to a neutral mid-visibility summary, matching the
// degraded-mode behavior the loop expects from the classifier.
func parseSceneSummary(text string) session.SceneSummary {
	fallback := session.SceneSummary{Visibility: 5, Phase: session.PhaseUnknown}

	raw := extractJSON(text)
	if raw == nil {
		return fallback
	}

	var parsed struct {
		Visibility      int      `json:"visibility_score"`
		InstrumentCount int      `json:"instrument_count"`
		Challenges      []string `json:"scene_challenges"`
		Phase           string   `json:"estimated_phase"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fallback
	}

	out := session.SceneSummary{
		Visibility:      parsed.Visibility,
		InstrumentCount: parsed.InstrumentCount,
		Phase:           session.Phase(strings.ToLower(strings.TrimSpace(parsed.Phase))),
	}
	if out.Visibility < 1 || out.Visibility > 10 {
		out.Visibility = 5
	}
	if out.InstrumentCount < 0 {
		out.InstrumentCount = 0
	}
	if !session.ValidPhases[out.Phase] {
		out.Phase = session.PhaseUnknown
	}
	for _, c := range parsed.Challenges {
		switch session.Challenge(strings.ToLower(strings.TrimSpace(c))) {
		case session.ChallengeSmoke:
			out.Challenges = append(out.Challenges, session.ChallengeSmoke)
		case session.ChallengeBlood:
			out.Challenges = append(out.Challenges, session.ChallengeBlood)
		case session.ChallengeOcclusion:
			out.Challenges = append(out.Challenges, session.ChallengeOcclusion)
		}
	}
	return out
}

// parseStrategy extracts a strategy from model text, defaulting to the
// balanced yolov8+bytetrack pair when the response is unusable.
func parseStrategy(text string) session.Strategy {
	fallback := session.Strategy{
		Detector:  session.DetectorYOLOv8,
		Tracker:   session.TrackerByteTrack,
		Rationale: "default selection",
	}

	raw := extractJSON(text)
	if raw == nil {
		return fallback
	}

	var parsed struct {
		Detector  string `json:"detector"`
		Tracker   string `json:"tracker"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fallback
	}

	out := fallback
	if d, ok := detectorAliases[strings.ToLower(strings.TrimSpace(parsed.Detector))]; ok {
		out.Detector = d
	}
	if tr, ok := trackerAliases[strings.ToLower(strings.TrimSpace(parsed.Tracker))]; ok {
		out.Tracker = tr
	}
	if parsed.Reasoning != "" {
		out.Rationale = parsed.Reasoning
	}
	return out
}

// parseRecoveryAction extracts a recovery action from model text. The
// result may be outside the recognized enumeration; callers validate with
// session.ValidActions.
func parseRecoveryAction(text string) session.RecoveryAction {
	raw := extractJSON(text)
	if raw == nil {
		return session.ActionReinitialize
	}

	var parsed struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return session.ActionReinitialize
	}
	if parsed.Action == "" {
		return session.ActionReinitialize
	}
	return session.RecoveryAction(strings.ToLower(strings.TrimSpace(parsed.Action)))
}
