package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/surgagent/surgagent/internal/advisor"
	"github.com/surgagent/surgagent/internal/events"
	"github.com/surgagent/surgagent/internal/session"
)

// fakeAdvisor is a scripted StrategyAdvisor. busyBefore makes the first N
// calls return ErrBusy so retry behavior can be observed.
type fakeAdvisor struct {
	strategy    session.Strategy
	strategyErr error
	action      session.RecoveryAction
	actionErr   error

	busyBefore     int
	selectCalls    int
	recommendCalls int
}

func (f *fakeAdvisor) SelectStrategy(_ context.Context, _ session.SceneSummary, _ []session.FailureType) (session.Strategy, error) {
	f.selectCalls++
	if f.selectCalls <= f.busyBefore {
		return session.Strategy{}, fmt.Errorf("%w: try later", advisor.ErrBusy)
	}
	return f.strategy, f.strategyErr
}

func (f *fakeAdvisor) RecommendRecovery(_ context.Context, _ session.FailureType, _ string) (session.RecoveryAction, error) {
	f.recommendCalls++
	if f.recommendCalls <= f.busyBefore {
		return "", fmt.Errorf("%w: try later", advisor.ErrBusy)
	}
	return f.action, f.actionErr
}

// memSink collects emitted events in order.
type memSink struct {
	events []events.TraceEvent
}

func (m *memSink) WriteOne(ev events.TraceEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) byStage(stage events.Stage) []events.TraceEvent {
	return events.FilterByStage(m.events, stage)
}

func testScene() session.SceneSummary {
	return session.SceneSummary{
		Visibility:      6,
		InstrumentCount: 2,
		Challenges:      []session.Challenge{session.ChallengeBlood, session.ChallengeOcclusion},
		Phase:           session.PhaseDissection,
	}
}

func testStrategy() session.Strategy {
	return session.Strategy{Detector: session.DetectorYOLOv8, Tracker: session.TrackerByteTrack}
}

func newTestLoop(adv advisor.StrategyAdvisor, sink EventSink) *Loop {
	return New(Config{
		Advisor:         adv,
		Sink:            sink,
		AdvisorTimeout:  100 * time.Millisecond,
		AdvisorAttempts: 3,
		BackoffBase:     time.Millisecond,
	})
}

func recordFrames(t *testing.T, l *Loop, s *session.Session, start int, values ...float64) *session.QualityCheckpoint {
	t.Helper()
	var last *session.QualityCheckpoint
	for i, v := range values {
		cp, err := l.RecordFrame(context.Background(), s, start+i, v)
		if err != nil {
			t.Fatalf("RecordFrame(%d, %v): %v", start+i, v, err)
		}
		if cp != nil {
			last = cp
		}
	}
	return last
}

func TestInitializeRoutesEmptyStrategy(t *testing.T) {
	l := newTestLoop(nil, nil)

	scene := testScene()
	scene.Phase = session.PhasePreparation
	scene.Challenges = nil

	s, err := l.Initialize(context.Background(), scene, session.Strategy{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	want := session.Strategy{Detector: session.DetectorSimple, Tracker: session.TrackerSimple}
	if !s.Strategy().Equal(want) {
		t.Errorf("routed strategy = %s, want %s", s.Strategy(), want)
	}
}

func TestInitializeRejectsBadScene(t *testing.T) {
	l := newTestLoop(nil, nil)

	scene := testScene()
	scene.Visibility = 11
	if _, err := l.Initialize(context.Background(), scene, testStrategy()); !errors.Is(err, session.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCheckpointContinueOnHealthyTrack(t *testing.T) {
	sink := &memSink{}
	adv := &fakeAdvisor{}
	l := newTestLoop(adv, sink)

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// 14 frames at 0.7, then 0.3 at frame 15: avg 0.673, continuity 14/15.
	values := append(repeat(0.7, 14), 0.3)
	cp := recordFrames(t, l, s, 1, values...)
	if cp == nil {
		t.Fatal("expected a checkpoint at frame 15")
	}
	if cp.FrameIndex != 15 {
		t.Errorf("checkpoint frame = %d, want 15", cp.FrameIndex)
	}
	if cp.Decision != session.DecisionContinue {
		t.Errorf("decision = %s, want continue (avg=%.3f)", cp.Decision, cp.AverageConfidence)
	}
	if want := 14.0 / 15.0; cp.TrackContinuity != want {
		t.Errorf("continuity = %v, want %v", cp.TrackContinuity, want)
	}
	if adv.selectCalls != 0 {
		t.Errorf("continue should not consult the advisor, got %d calls", adv.selectCalls)
	}
	if got := len(sink.byStage(events.StageCheckpoint)); got != 1 {
		t.Errorf("expected 1 checkpoint event, got %d", got)
	}
}

func TestCheckpointNotTriggeredOffInterval(t *testing.T) {
	l := newTestLoop(nil, nil)
	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if cp := recordFrames(t, l, s, 1, repeat(0.8, 14)...); cp != nil {
		t.Errorf("no checkpoint should fire before frame 15, got one at %d", cp.FrameIndex)
	}
	if len(s.Checkpoints()) != 0 {
		t.Errorf("expected no checkpoints, got %d", len(s.Checkpoints()))
	}
}

func TestCheckpointReplanSwitchesWhenAdvisorRecommends(t *testing.T) {
	sink := &memSink{}
	adv := &fakeAdvisor{strategy: session.Strategy{
		Detector:  session.DetectorAdvanced,
		Tracker:   session.TrackerDeepSORT,
		Rationale: "degraded visibility",
	}}
	l := newTestLoop(adv, sink)

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// avg 0.55: replan territory with intact continuity.
	recordFrames(t, l, s, 1, repeat(0.55, 15)...)

	if adv.selectCalls != 1 {
		t.Fatalf("replan should consult the advisor once, got %d", adv.selectCalls)
	}
	switches := s.Switches()
	if len(switches) != 1 {
		t.Fatalf("expected 1 switch, got %d", len(switches))
	}
	sw := switches[0]
	if sw.Reason != session.SwitchLowConfidence {
		t.Errorf("switch reason = %s, want low_confidence", sw.Reason)
	}
	if !s.Strategy().Equal(adv.strategy) {
		t.Errorf("current strategy = %s, want %s", s.Strategy(), adv.strategy)
	}
	if sw.ConfidenceAfter != nil {
		t.Error("ConfidenceAfter should be pending until the next frame")
	}

	// The next frame patches the pending switch.
	recordFrames(t, l, s, 16, 0.72)
	sw = s.Switches()[0]
	if sw.ConfidenceAfter == nil || *sw.ConfidenceAfter != 0.72 {
		t.Errorf("ConfidenceAfter = %v, want 0.72", sw.ConfidenceAfter)
	}
}

func TestCheckpointReplanAdvisorConfirmsCurrent(t *testing.T) {
	adv := &fakeAdvisor{strategy: testStrategy()}
	l := newTestLoop(adv, &memSink{})

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recordFrames(t, l, s, 1, repeat(0.55, 15)...)

	if len(s.Switches()) != 0 {
		t.Errorf("confirming the current strategy should not switch, got %d switches", len(s.Switches()))
	}
}

func TestCheckpointSwitchToolAdvisorUnavailable(t *testing.T) {
	sink := &memSink{}
	adv := &fakeAdvisor{strategyErr: fmt.Errorf("%w: upstream 500", advisor.ErrAdvisor)}
	l := newTestLoop(adv, sink)

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// avg 0.44, continuity 0.4: switch_tool.
	values := append(repeat(0.2, 9), repeat(0.8, 6)...)
	cp := recordFrames(t, l, s, 1, values...)
	if cp == nil || cp.Decision != session.DecisionSwitchTool {
		t.Fatalf("expected switch_tool checkpoint, got %+v", cp)
	}

	if len(s.Switches()) != 0 {
		t.Errorf("advisor failure should keep the current strategy, got %d switches", len(s.Switches()))
	}
	if !s.Strategy().Equal(testStrategy()) {
		t.Errorf("strategy changed to %s without advisor input", s.Strategy())
	}
	fallbacks := sink.byStage(events.StageFallback)
	if len(fallbacks) != 1 {
		t.Fatalf("expected 1 fallback event, got %d", len(fallbacks))
	}
	if !strings.Contains(fallbacks[0].Rationale, "advisor unavailable") {
		t.Errorf("fallback rationale should note advisor unavailability: %q", fallbacks[0].Rationale)
	}
}

func TestSceneChangeUncoveredChallengeSwitches(t *testing.T) {
	adv := &fakeAdvisor{strategy: session.Strategy{
		Detector: session.DetectorAdvanced,
		Tracker:  session.TrackerByteTrack,
	}}
	l := newTestLoop(adv, &memSink{})

	scene := testScene()
	scene.Challenges = nil
	s, err := l.Initialize(context.Background(), scene, testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recordFrames(t, l, s, 1, 0.8, 0.8, 0.8)

	newScene := scene
	newScene.Challenges = []session.Challenge{session.ChallengeSmoke}
	sw, err := l.HandleSceneChange(context.Background(), s, newScene)
	if err != nil {
		t.Fatalf("HandleSceneChange: %v", err)
	}
	if sw == nil {
		t.Fatal("expected a switch for uncovered smoke")
	}
	if sw.Reason != session.SwitchOcclusionDetected {
		t.Errorf("reason = %s, want occlusion_detected", sw.Reason)
	}
	if sw.ConfidenceBefore != 0.8 {
		t.Errorf("ConfidenceBefore = %v, want 0.8", sw.ConfidenceBefore)
	}
	if sw.ConfidenceAfter != nil {
		t.Error("ConfidenceAfter should be pending")
	}
	if s.Scene().HasChallenge(session.ChallengeSmoke) != true {
		t.Error("session scene should be updated")
	}
}

func TestSceneChangeBeforeFirstFrame(t *testing.T) {
	adv := &fakeAdvisor{strategy: session.Strategy{
		Detector: session.DetectorAdvanced,
		Tracker:  session.TrackerByteTrack,
	}}
	l := newTestLoop(adv, &memSink{})

	scene := testScene()
	scene.Challenges = nil
	s, err := l.Initialize(context.Background(), scene, testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// No frames recorded yet; the switch is stamped at frame 0.
	newScene := scene
	newScene.Challenges = []session.Challenge{session.ChallengeSmoke}
	sw, err := l.HandleSceneChange(context.Background(), s, newScene)
	if err != nil {
		t.Fatalf("HandleSceneChange: %v", err)
	}
	if sw == nil {
		t.Fatal("expected a switch for uncovered smoke")
	}
	if sw.FrameIndex != 0 {
		t.Errorf("FrameIndex = %d, want 0", sw.FrameIndex)
	}
}

func TestSceneChangeCoveredChallengeNoAdvisorCall(t *testing.T) {
	adv := &fakeAdvisor{}
	l := newTestLoop(adv, nil)

	scene := testScene()
	scene.Challenges = nil
	// bytetrack already tolerates occlusion.
	s, err := l.Initialize(context.Background(), scene, testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recordFrames(t, l, s, 1, 0.8)

	newScene := scene
	newScene.Challenges = []session.Challenge{session.ChallengeOcclusion}
	sw, err := l.HandleSceneChange(context.Background(), s, newScene)
	if err != nil {
		t.Fatalf("HandleSceneChange: %v", err)
	}
	if sw != nil {
		t.Errorf("covered challenge should not switch, got %+v", sw)
	}
	if adv.selectCalls != 0 {
		t.Errorf("covered challenge should not consult the advisor, got %d calls", adv.selectCalls)
	}
}

func TestSceneChangeAdvisorUnavailableKeepsStrategy(t *testing.T) {
	sink := &memSink{}
	adv := &fakeAdvisor{strategyErr: fmt.Errorf("%w: timeout", advisor.ErrAdvisor)}
	l := newTestLoop(adv, sink)

	scene := testScene()
	scene.Challenges = nil
	strategy := session.Strategy{Detector: session.DetectorYOLOv8, Tracker: session.TrackerSimple}
	s, err := l.Initialize(context.Background(), scene, strategy)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recordFrames(t, l, s, 1, 0.8)

	newScene := scene
	newScene.Challenges = []session.Challenge{session.ChallengeOcclusion}
	sw, err := l.HandleSceneChange(context.Background(), s, newScene)
	if err != nil {
		t.Fatalf("HandleSceneChange: %v", err)
	}
	if sw != nil {
		t.Errorf("advisor failure should not switch, got %+v", sw)
	}
	if !s.Strategy().Equal(strategy) {
		t.Errorf("strategy changed to %s without advisor input", s.Strategy())
	}
	if len(sink.byStage(events.StageFallback)) != 1 {
		t.Error("expected a fallback event noting advisor unavailability")
	}
}

func TestHandleFailureDefaultOnAdvisorTimeout(t *testing.T) {
	adv := &fakeAdvisor{actionErr: fmt.Errorf("%w: timeout", advisor.ErrAdvisor)}
	l := newTestLoop(adv, &memSink{})

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recordFrames(t, l, s, 1, 0.8, 0.2)

	_, ev, err := l.HandleFailure(context.Background(), s, session.FailureTrackLoss, "lost after 5 frames")
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if ev.Action != session.ActionReinitialize {
		t.Errorf("action = %s, want reinitialize", ev.Action)
	}
	if !strings.Contains(ev.Rationale, "advisor unavailable") {
		t.Errorf("rationale should note advisor unavailability: %q", ev.Rationale)
	}
	if ev.Resolved() {
		t.Error("recovery outcome should be pending")
	}
}

func TestHandleFailureAdvisorOverride(t *testing.T) {
	adv := &fakeAdvisor{action: session.ActionSkipFrames}
	l := newTestLoop(adv, nil)

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, ev, err := l.HandleFailure(context.Background(), s, session.FailureLowConfidence, "confidence collapsed")
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if ev.Action != session.ActionSkipFrames {
		t.Errorf("action = %s, want advisor override skip_frames", ev.Action)
	}
}

func TestHandleFailureUnrecognizedAdvisorAction(t *testing.T) {
	adv := &fakeAdvisor{action: session.RecoveryAction("pray")}
	l := newTestLoop(adv, nil)

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, ev, err := l.HandleFailure(context.Background(), s, session.FailureIdentitySwitch, "ids crossed")
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if ev.Action != session.ActionIncreaseThreshold {
		t.Errorf("action = %s, want static default increase_threshold", ev.Action)
	}
	if !strings.Contains(ev.Rationale, "unrecognized") {
		t.Errorf("rationale should note the unrecognized response: %q", ev.Rationale)
	}
}

func TestHandleFailureRejectsUnknownType(t *testing.T) {
	l := newTestLoop(nil, nil)
	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, _, err := l.HandleFailure(context.Background(), s, session.FailureType("gremlins"), ""); err == nil {
		t.Error("unknown failure type should be rejected")
	}
}

func TestResolveRecoveryOutcome(t *testing.T) {
	tests := []struct {
		name          string
		confidenceNow float64
		framesElapsed int
		want          bool
	}{
		{"recovered in window", 0.7, 5, true},
		{"recovered too late", 0.7, 11, false},
		{"confidence still low", 0.4, 5, false},
		{"exactly at threshold fails", 0.5, 5, false},
		{"exactly at window edge succeeds", 0.7, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv := &fakeAdvisor{action: session.ActionReinitialize}
			l := newTestLoop(adv, nil)
			s, err := l.Initialize(context.Background(), testScene(), testStrategy())
			if err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			index, _, err := l.HandleFailure(context.Background(), s, session.FailureTrackLoss, "")
			if err != nil {
				t.Fatalf("HandleFailure: %v", err)
			}

			success, err := l.ResolveRecovery(s, index, tt.framesElapsed, tt.confidenceNow)
			if err != nil {
				t.Fatalf("ResolveRecovery: %v", err)
			}
			if success != tt.want {
				t.Errorf("success = %t, want %t", success, tt.want)
			}
		})
	}
}

func TestResolveRecoveryTwice(t *testing.T) {
	adv := &fakeAdvisor{action: session.ActionReinitialize}
	l := newTestLoop(adv, nil)
	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	index, _, err := l.HandleFailure(context.Background(), s, session.FailureTrackLoss, "")
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}

	if _, err := l.ResolveRecovery(s, index, 5, 0.8); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := l.ResolveRecovery(s, index, 6, 0.9); !errors.Is(err, session.ErrAlreadyResolved) {
		t.Errorf("second resolve should fail with ErrAlreadyResolved, got %v", err)
	}
}

func TestAdvisorRetriesOnBusy(t *testing.T) {
	adv := &fakeAdvisor{
		busyBefore: 2,
		strategy:   session.Strategy{Detector: session.DetectorAdvanced, Tracker: session.TrackerDeepSORT},
	}
	l := newTestLoop(adv, nil)

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recordFrames(t, l, s, 1, repeat(0.55, 15)...)

	if adv.selectCalls != 3 {
		t.Errorf("expected 2 busy rejections then success (3 calls), got %d", adv.selectCalls)
	}
	if len(s.Switches()) != 1 {
		t.Errorf("retried call should eventually switch, got %d switches", len(s.Switches()))
	}
}

func TestAdvisorBusyExhaustsAttempts(t *testing.T) {
	sink := &memSink{}
	adv := &fakeAdvisor{busyBefore: 10}
	l := newTestLoop(adv, sink)

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recordFrames(t, l, s, 1, repeat(0.55, 15)...)

	if adv.selectCalls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", adv.selectCalls)
	}
	if len(s.Switches()) != 0 {
		t.Error("exhausted retries should fall back to the current strategy")
	}
	if len(sink.byStage(events.StageFallback)) != 1 {
		t.Error("expected a fallback event after exhausted retries")
	}
}

func TestFinalizeSummaryAndTrace(t *testing.T) {
	adv := &fakeAdvisor{
		strategy: session.Strategy{Detector: session.DetectorAdvanced, Tracker: session.TrackerDeepSORT},
		action:   session.ActionReinitialize,
	}
	l := newTestLoop(adv, &memSink{})

	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recordFrames(t, l, s, 1, repeat(0.55, 15)...) // replan -> switch at 15
	recordFrames(t, l, s, 16, 0.3)
	index, _, err := l.HandleFailure(context.Background(), s, session.FailureTrackLoss, "")
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if _, err := l.ResolveRecovery(s, index, 4, 0.8); err != nil {
		t.Fatalf("ResolveRecovery: %v", err)
	}

	summary := l.Finalize(context.Background(), s)
	if summary.TotalSwitches != 1 {
		t.Errorf("TotalSwitches = %d, want 1", summary.TotalSwitches)
	}
	if summary.TotalRecoveries != 1 || summary.SuccessfulRecoveries != 1 {
		t.Errorf("recoveries = %d/%d, want 1/1", summary.SuccessfulRecoveries, summary.TotalRecoveries)
	}
	if summary.RecoverySuccessRate != 1.0 {
		t.Errorf("RecoverySuccessRate = %v, want 1.0", summary.RecoverySuccessRate)
	}
	if !summary.FinalStrategy.Equal(adv.strategy) {
		t.Errorf("FinalStrategy = %s, want %s", summary.FinalStrategy, adv.strategy)
	}

	// Trace entries are ordered by frame index.
	for i := 1; i < len(summary.Trace); i++ {
		if summary.Trace[i].FrameIndex < summary.Trace[i-1].FrameIndex {
			t.Fatalf("trace out of order at %d: %d after %d",
				i, summary.Trace[i].FrameIndex, summary.Trace[i-1].FrameIndex)
		}
	}

	// Further mutation is rejected.
	if _, err := l.RecordFrame(context.Background(), s, 17, 0.5); !errors.Is(err, session.ErrSessionFinalized) {
		t.Errorf("expected ErrSessionFinalized, got %v", err)
	}
}

func TestOutOfOrderFrameKeepsSessionUsable(t *testing.T) {
	l := newTestLoop(nil, nil)
	s, err := l.Initialize(context.Background(), testScene(), testStrategy())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	recordFrames(t, l, s, 1, 0.8, 0.8)

	if _, err := l.RecordFrame(context.Background(), s, 1, 0.5); !errors.Is(err, session.ErrOutOfOrderFrame) {
		t.Fatalf("expected ErrOutOfOrderFrame, got %v", err)
	}
	// The next correctly ordered frame still works.
	if _, err := l.RecordFrame(context.Background(), s, 3, 0.5); err != nil {
		t.Errorf("session should remain usable after an out-of-order frame: %v", err)
	}
}
