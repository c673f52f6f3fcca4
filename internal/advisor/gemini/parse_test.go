package gemini

import (
	"testing"

	"github.com/surgagent/surgagent/internal/session"
)

func TestExtractJSONFromFencedResponse(t *testing.T) {
	text := "Here is my analysis:\n```json\n{\"detector\": \"yolov8_surgical\", \"tracker\": \"byte_track\"}\n```\nHope that helps."
	raw := extractJSON(text)
	if raw == nil {
		t.Fatal("expected JSON object to be found")
	}
	if string(raw) != `{"detector": "yolov8_surgical", "tracker": "byte_track"}` {
		t.Errorf("unexpected extraction: %s", raw)
	}
}

func TestExtractJSONNested(t *testing.T) {
	text := `prefix {"a": {"b": 1}, "c": "with } brace"} suffix`
	raw := extractJSON(text)
	if string(raw) != `{"a": {"b": 1}, "c": "with } brace"}` {
		t.Errorf("nested extraction wrong: %s", raw)
	}
}

func TestExtractJSONMissing(t *testing.T) {
	if raw := extractJSON("no json here"); raw != nil {
		t.Errorf("expected nil, got %s", raw)
	}
}

func TestParseSceneSummary(t *testing.T) {
	text := `{"visibility_score": 4, "instrument_count": 3,
		"scene_challenges": ["smoke", "motion_blur", "Blood"],
		"estimated_phase": "Dissection"}`

	scene := parseSceneSummary(text)
	if scene.Visibility != 4 || scene.InstrumentCount != 3 {
		t.Errorf("unexpected scene: %+v", scene)
	}
	if scene.Phase != session.PhaseDissection {
		t.Errorf("expected dissection phase, got %s", scene.Phase)
	}
	// motion_blur is not a recognized challenge and is dropped.
	if len(scene.Challenges) != 2 {
		t.Errorf("expected 2 recognized challenges, got %v", scene.Challenges)
	}
}

func TestParseSceneSummaryFallback(t *testing.T) {
	for _, text := range []string{"", "I could not analyze the image.", `{"visibility_score": 40}`} {
		scene := parseSceneSummary(text)
		if scene.Visibility != 5 {
			t.Errorf("%q: expected neutral visibility 5, got %d", text, scene.Visibility)
		}
	}

	scene := parseSceneSummary("garbage")
	if scene.Phase != session.PhaseUnknown {
		t.Errorf("expected unknown phase on parse failure, got %s", scene.Phase)
	}
}

func TestParseStrategyAliases(t *testing.T) {
	tests := []struct {
		text     string
		detector session.DetectorID
		tracker  session.TrackerID
	}{
		{`{"detector": "advanced_detector", "tracker": "deep_sort", "reasoning": "smoke"}`, session.DetectorAdvanced, session.TrackerDeepSORT},
		{`{"detector": "yolov8", "tracker": "bytetrack"}`, session.DetectorYOLOv8, session.TrackerByteTrack},
		{`{"detector": "simple_detector", "tracker": "simple_tracker"}`, session.DetectorSimple, session.TrackerSimple},
	}

	for _, tt := range tests {
		s := parseStrategy(tt.text)
		if s.Detector != tt.detector || s.Tracker != tt.tracker {
			t.Errorf("%s: got %+v", tt.text, s)
		}
	}
}

func TestParseStrategyFallback(t *testing.T) {
	s := parseStrategy("the model refused to answer")
	if s.Detector != session.DetectorYOLOv8 || s.Tracker != session.TrackerByteTrack {
		t.Errorf("expected balanced default, got %+v", s)
	}

	// Unknown names keep the default for that slot only.
	s = parseStrategy(`{"detector": "yolov12", "tracker": "deep_sort"}`)
	if s.Detector != session.DetectorYOLOv8 {
		t.Errorf("unknown detector should keep default, got %s", s.Detector)
	}
	if s.Tracker != session.TrackerDeepSORT {
		t.Errorf("known tracker should be used, got %s", s.Tracker)
	}
}

func TestParseRecoveryAction(t *testing.T) {
	if a := parseRecoveryAction(`{"action": "switch_tracker", "reasoning": "x"}`); a != session.ActionSwitchTracker {
		t.Errorf("expected switch_tracker, got %s", a)
	}
	if a := parseRecoveryAction("nothing useful"); a != session.ActionReinitialize {
		t.Errorf("expected reinitialize fallback, got %s", a)
	}
	// Unrecognized actions are passed through for the caller to validate.
	if a := parseRecoveryAction(`{"action": "reboot_everything"}`); a != "reboot_everything" {
		t.Errorf("expected passthrough of unrecognized action, got %s", a)
	}
}
