package loop

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/surgagent/surgagent/internal/advisor"
	"github.com/surgagent/surgagent/internal/events"
	"github.com/surgagent/surgagent/internal/observability"
	"github.com/surgagent/surgagent/internal/routing"
	"github.com/surgagent/surgagent/internal/session"
)

// Default advisor call bounds.
const (
	DefaultAdvisorTimeout  = 3 * time.Second
	DefaultAdvisorAttempts = 3
	DefaultBackoffBase     = 200 * time.Millisecond
)

// EventSink receives one reasoning-step event per decision. The JSONL file
// sink satisfies this.
type EventSink interface {
	WriteOne(events.TraceEvent) error
}

// Config wires the loop's collaborators. Advisor and Sink may be nil: a nil
// advisor behaves as permanently unavailable (every decision falls back to
// the deterministic path), and a nil sink discards events.
type Config struct {
	Thresholds Thresholds
	Advisor    advisor.StrategyAdvisor
	Router     *routing.Router
	Sink       EventSink
	Tracer     observability.Tracer
	Logger     *log.Logger

	// AdvisorModel names the backing model for generation tracing only.
	AdvisorModel string

	AdvisorTimeout  time.Duration
	AdvisorAttempts int
	BackoffBase     time.Duration
}

// Loop is the adaptive control loop. It mutates sessions strictly
// sequentially; use one Loop per pipeline or external synchronization.
// Independent sessions may be driven by independent loops in parallel.
type Loop struct {
	th     Thresholds
	adv    advisor.StrategyAdvisor
	router *routing.Router
	sink   EventSink
	tracer observability.Tracer
	logger *log.Logger
	model  string
	retry  retryPolicy

	mu     sync.Mutex
	traces map[string]observability.TraceContext
}

// New creates a loop, filling unset config fields with defaults.
func New(cfg Config) *Loop {
	if cfg.Thresholds.CheckpointInterval == 0 {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Router == nil {
		cfg.Router = routing.NewRouter(nil)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = &observability.NoOpTracer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.AdvisorTimeout == 0 {
		cfg.AdvisorTimeout = DefaultAdvisorTimeout
	}
	if cfg.AdvisorAttempts == 0 {
		cfg.AdvisorAttempts = DefaultAdvisorAttempts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}

	return &Loop{
		th:     cfg.Thresholds,
		adv:    cfg.Advisor,
		router: cfg.Router,
		sink:   cfg.Sink,
		tracer: cfg.Tracer,
		logger: cfg.Logger,
		model:  cfg.AdvisorModel,
		retry: retryPolicy{
			timeout:  cfg.AdvisorTimeout,
			attempts: cfg.AdvisorAttempts,
			backoff:  cfg.BackoffBase,
		},
		traces: make(map[string]observability.TraceContext),
	}
}

// Thresholds returns the active policy configuration.
func (l *Loop) Thresholds() Thresholds { return l.th }

// Initialize creates a session for the given scene. An empty strategy is
// resolved through the phase routing table.
func (l *Loop) Initialize(ctx context.Context, scene session.SceneSummary, strategy session.Strategy) (*session.Session, error) {
	if strategy.Detector == "" && strategy.Tracker == "" {
		strategy = l.router.StrategyForScene(scene)
	}

	s, err := session.New(scene, strategy)
	if err != nil {
		return nil, err
	}

	tc := l.tracer.StartTrace(s.ID(), observability.TraceOptions{Strategy: strategy.String()})
	l.mu.Lock()
	l.traces[s.ID()] = tc
	l.mu.Unlock()

	l.logger.Printf("session %s initialized with strategy %s", s.ID(), strategy)
	l.emit(events.TraceEvent{
		SessionID:  s.ID(),
		FrameIndex: -1,
		Stage:      events.StageStrategySelection,
		Action:     "session initialized",
		Strategy:   strategy.String(),
		Rationale:  strategy.Rationale,
	})
	return s, nil
}

// RecordFrame appends one confidence sample. When the frame index lands on
// the checkpoint interval the checkpoint is evaluated and acted on; the
// resulting checkpoint is returned, or nil when none was due. Advisor
// failures during a checkpoint never fail the frame.
func (l *Loop) RecordFrame(ctx context.Context, s *session.Session, frameIndex int, confidence float64) (*session.QualityCheckpoint, error) {
	if err := s.AppendSample(frameIndex, confidence); err != nil {
		return nil, err
	}
	if frameIndex == 0 || frameIndex%l.th.CheckpointInterval != 0 {
		return nil, nil
	}
	cp, err := l.EvaluateCheckpoint(ctx, s)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// EvaluateCheckpoint computes a checkpoint over the trailing window, appends
// it, and acts on the decision: replan re-consults the advisor, switch_tool
// additionally switches when the advisor recommends a different pair. The
// deterministic fallback on advisor failure is to keep the current strategy
// and record the degradation.
func (l *Loop) EvaluateCheckpoint(ctx context.Context, s *session.Session) (session.QualityCheckpoint, error) {
	window := s.Window(l.th.Window)
	if len(window) == 0 {
		return session.QualityCheckpoint{}, fmt.Errorf("no confidence samples recorded")
	}

	cp := evaluate(window, l.th)
	if err := s.AppendCheckpoint(cp); err != nil {
		return session.QualityCheckpoint{}, err
	}

	l.emit(events.TraceEvent{
		SessionID:  s.ID(),
		FrameIndex: cp.FrameIndex,
		Stage:      events.StageCheckpoint,
		Decision:   string(cp.Decision),
		Confidence: cp.AverageConfidence,
		Rationale:  cp.Rationale,
	})

	if cp.Decision == session.DecisionContinue {
		return cp, nil
	}

	recommended, err := l.adviseStrategy(ctx, s)
	if err != nil {
		l.recordFallback(s, cp.FrameIndex,
			fmt.Sprintf("advisor unavailable during %s, keeping strategy %s: %v", cp.Decision, s.Strategy(), err))
		return cp, nil
	}

	if recommended.Equal(s.Strategy()) {
		s.AppendNote(cp.FrameIndex, string(events.StageStrategySelection),
			fmt.Sprintf("advisor confirmed strategy %s after %s", s.Strategy(), cp.Decision))
		l.emit(events.TraceEvent{
			SessionID:  s.ID(),
			FrameIndex: cp.FrameIndex,
			Stage:      events.StageStrategySelection,
			Action:     "strategy confirmed",
			Strategy:   recommended.String(),
			Rationale:  recommended.Rationale,
		})
		return cp, nil
	}

	if err := l.applySwitch(s, recommended, session.SwitchLowConfidence,
		fmt.Sprintf("checkpoint decision %s: %s", cp.Decision, recommended.Rationale)); err != nil {
		l.logger.Printf("session %s: switch rejected: %v", s.ID(), err)
	}
	return cp, nil
}

// HandleSceneChange installs a fresh scene summary. When smoke or occlusion
// newly appears and the current strategy is not designed for it, the advisor
// is consulted; a different recommendation becomes a tool switch. Advisor
// failure keeps the current strategy and returns no switch.
func (l *Loop) HandleSceneChange(ctx context.Context, s *session.Session, newScene session.SceneSummary) (*session.ToolSwitchEvent, error) {
	oldScene := s.Scene()
	if err := s.SetScene(newScene); err != nil {
		return nil, err
	}

	var uncovered []session.Challenge
	for _, c := range []session.Challenge{session.ChallengeSmoke, session.ChallengeOcclusion} {
		if newScene.HasChallenge(c) && !oldScene.HasChallenge(c) && !covers(s.Strategy(), c) {
			uncovered = append(uncovered, c)
		}
	}

	l.emit(events.TraceEvent{
		SessionID:  s.ID(),
		FrameIndex: s.LastFrame(),
		Stage:      events.StageSceneAnalysis,
		Action:     "scene updated",
		Rationale:  fmt.Sprintf("phase %s, visibility %d, challenges %v", newScene.Phase, newScene.Visibility, newScene.Challenges),
	})

	if len(uncovered) == 0 {
		return nil, nil
	}

	recommended, err := l.adviseStrategy(ctx, s)
	if err != nil {
		l.recordFallback(s, s.LastFrame(),
			fmt.Sprintf("advisor unavailable after %v appeared, keeping strategy %s: %v", uncovered, s.Strategy(), err))
		return nil, nil
	}

	if recommended.Equal(s.Strategy()) {
		s.AppendNote(s.LastFrame(), string(events.StageStrategySelection),
			fmt.Sprintf("advisor kept strategy %s despite %v", s.Strategy(), uncovered))
		return nil, nil
	}

	if err := l.applySwitch(s, recommended, session.SwitchOcclusionDetected,
		fmt.Sprintf("%v appeared, not covered by %s: %s", uncovered, oldScene.Phase, recommended.Rationale)); err != nil {
		return nil, err
	}
	switches := s.Switches()
	return &switches[len(switches)-1], nil
}

// HandleFailure records a recovery event for the failure. The static
// failure-to-action table supplies the default; the advisor may override it
// with any recognized action. The returned index resolves the event later.
func (l *Loop) HandleFailure(ctx context.Context, s *session.Session, failure session.FailureType, failureContext string) (int, session.RecoveryEvent, error) {
	if !session.ValidFailureTypes[failure] {
		return 0, session.RecoveryEvent{}, fmt.Errorf("unknown failure type %q", failure)
	}

	action := defaultRecoveryActions[failure]
	rationale := fmt.Sprintf("static mapping for %s", failure)

	recommended, err := l.adviseRecovery(ctx, s, failure, failureContext)
	switch {
	case err != nil:
		rationale = fmt.Sprintf("default action %s, advisor unavailable: %v", action, err)
		l.recordFallback(s, s.LastFrame(), rationale)
	case session.ValidActions[recommended]:
		action = recommended
		rationale = fmt.Sprintf("advisor recommended %s for %s", action, failure)
	default:
		rationale = fmt.Sprintf("default action %s, advisor returned unrecognized action %q", action, recommended)
	}

	frame := s.LastFrame()
	if frame < 0 {
		frame = 0
	}
	ev := session.RecoveryEvent{
		FrameIndex:  frame,
		FailureType: failure,
		Action:      action,
		Rationale:   rationale,
	}
	index, err := s.AppendRecovery(ev)
	if err != nil {
		return 0, session.RecoveryEvent{}, err
	}

	l.emit(events.TraceEvent{
		SessionID:  s.ID(),
		FrameIndex: frame,
		Stage:      events.StageRecovery,
		Action:     string(action),
		Rationale:  rationale,
	})
	return index, s.Recoveries()[index], nil
}

// ResolveRecovery determines a pending recovery's outcome: success when the
// confidence cleared the low-confidence bar within the recovery window.
func (l *Loop) ResolveRecovery(s *session.Session, index int, framesElapsed int, confidenceNow float64) (bool, error) {
	success := confidenceNow > l.th.LowConfidence && framesElapsed <= l.th.RecoveryWindow
	if err := s.ResolveRecovery(index, success, framesElapsed); err != nil {
		return false, err
	}

	l.emit(events.TraceEvent{
		SessionID:  s.ID(),
		FrameIndex: s.LastFrame(),
		Stage:      events.StageRecovery,
		Action:     "recovery resolved",
		Confidence: confidenceNow,
		Rationale:  fmt.Sprintf("success=%t after %d frames, confidence %.2f vs %.2f", success, framesElapsed, confidenceNow, l.th.LowConfidence),
	})
	return success, nil
}

// Finalize seals the session, completes its trace, and returns the summary.
func (l *Loop) Finalize(ctx context.Context, s *session.Session) session.Summary {
	summary := s.Finalize()

	l.mu.Lock()
	tc, ok := l.traces[s.ID()]
	delete(l.traces, s.ID())
	l.mu.Unlock()

	if ok {
		l.tracer.CompleteTrace(tc, observability.CompleteOptions{
			Status:          "finalized",
			TotalSwitches:   summary.TotalSwitches,
			TotalRecoveries: summary.TotalRecoveries,
		})
		if err := l.tracer.Flush(ctx); err != nil {
			l.logger.Printf("session %s: trace flush failed: %v", s.ID(), err)
		}
	}

	l.logger.Printf("session %s finalized: %d frames, %d switches, %d recoveries",
		summary.SessionID, summary.FramesProcessed, summary.TotalSwitches, summary.TotalRecoveries)
	return summary
}

// adviseStrategy asks the advisor for a strategy under the retry policy,
// recording the call as a generation.
func (l *Loop) adviseStrategy(ctx context.Context, s *session.Session) (session.Strategy, error) {
	if l.adv == nil {
		return session.Strategy{}, fmt.Errorf("%w: no advisor configured", advisor.ErrAdvisor)
	}

	span := l.startSpan(s, "strategy_selection")
	start := time.Now()

	var strategy session.Strategy
	err := callWithRetry(ctx, l.retry, func(ctx context.Context) error {
		var callErr error
		strategy, callErr = l.adv.SelectStrategy(ctx, s.Scene(), s.RecentFailures())
		return callErr
	})
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		l.tracer.RecordSkipped(span, "StrategyAdvisor", err.Error())
		l.tracer.EndStage(span, "error", elapsed)
		return session.Strategy{}, err
	}
	l.tracer.RecordGeneration(span, observability.GenerationInput{
		Name:       "StrategyAdvisor",
		Model:      l.model,
		Output:     strategy.String(),
		Status:     "completed",
		DurationMs: elapsed,
	})
	l.tracer.EndStage(span, "completed", elapsed)
	return strategy, nil
}

// adviseRecovery asks the advisor for a recovery action under the retry
// policy. The returned action may be unrecognized; the caller validates it.
func (l *Loop) adviseRecovery(ctx context.Context, s *session.Session, failure session.FailureType, failureContext string) (session.RecoveryAction, error) {
	if l.adv == nil {
		return "", fmt.Errorf("%w: no advisor configured", advisor.ErrAdvisor)
	}

	span := l.startSpan(s, "recovery")
	start := time.Now()

	var action session.RecoveryAction
	err := callWithRetry(ctx, l.retry, func(ctx context.Context) error {
		var callErr error
		action, callErr = l.adv.RecommendRecovery(ctx, failure, failureContext)
		return callErr
	})
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		l.tracer.RecordSkipped(span, "StrategyAdvisor", err.Error())
		l.tracer.EndStage(span, "error", elapsed)
		return "", err
	}
	l.tracer.RecordGeneration(span, observability.GenerationInput{
		Name:       "StrategyAdvisor",
		Model:      l.model,
		Input:      string(failure),
		Output:     string(action),
		Status:     "completed",
		DurationMs: elapsed,
	})
	l.tracer.EndStage(span, "completed", elapsed)
	return action, nil
}

// applySwitch appends a tool switch, leaving ConfidenceAfter pending until
// the next recorded frame.
func (l *Loop) applySwitch(s *session.Session, to session.Strategy, reason session.SwitchReason, rationale string) error {
	frame := s.LastFrame()
	if frame < 0 {
		// Scene changes can arrive before the first frame.
		frame = 0
	}
	ev := session.ToolSwitchEvent{
		FrameIndex:       frame,
		From:             s.Strategy(),
		To:               to,
		Reason:           reason,
		ConfidenceBefore: s.LastConfidence(),
		Rationale:        rationale,
	}
	if err := s.AppendSwitch(ev); err != nil {
		return err
	}

	l.logger.Printf("session %s: switched %s -> %s (%s)", s.ID(), ev.From, ev.To, reason)
	l.emit(events.TraceEvent{
		SessionID:  s.ID(),
		FrameIndex: ev.FrameIndex,
		Stage:      events.StageToolSwitch,
		Action:     string(reason),
		Strategy:   to.String(),
		Confidence: ev.ConfidenceBefore,
		Rationale:  rationale,
	})
	return nil
}

// recordFallback notes a degraded decision in both the session trace and the
// event stream so the audit trail stays complete.
func (l *Loop) recordFallback(s *session.Session, frameIndex int, rationale string) {
	s.AppendNote(frameIndex, string(events.StageFallback), rationale)
	l.emit(events.TraceEvent{
		SessionID:  s.ID(),
		FrameIndex: frameIndex,
		Stage:      events.StageFallback,
		Rationale:  rationale,
	})
}

func (l *Loop) startSpan(s *session.Session, stage string) observability.SpanContext {
	l.mu.Lock()
	tc, ok := l.traces[s.ID()]
	l.mu.Unlock()
	if !ok {
		tc = observability.TraceContext{TraceID: s.ID(), SessionID: s.ID()}
	}
	return l.tracer.StartStage(tc, stage, observability.SpanOptions{FrameIndex: s.LastFrame()})
}

func (l *Loop) emit(ev events.TraceEvent) {
	if l.sink == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	if err := l.sink.WriteOne(ev); err != nil {
		l.logger.Printf("trace event write failed: %v", err)
	}
}
