package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State represents the session lifecycle state.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateFinalized   State = "finalized"
)

// Session owns the full state of one video's tracking run: the current
// strategy, the ordered confidence history, and the append-only checkpoint,
// switch, and recovery logs. A session is not safe for concurrent use;
// frames are processed strictly sequentially. Independent sessions share no
// state and may run in parallel.
type Session struct {
	id        string
	createdAt time.Time
	state     State

	initialScene    SceneSummary
	currentScene    SceneSummary
	initialStrategy Strategy
	strategy        Strategy

	samples     []ConfidenceSample
	checkpoints []QualityCheckpoint
	switches    []ToolSwitchEvent
	recoveries  []RecoveryEvent
	notes       []Note

	recentFailures []FailureType

	// Index into switches of the event awaiting its ConfidenceAfter patch,
	// or -1 when none is pending.
	pendingSwitch int

	summary *Summary
}

// New creates a session with the given initial scene and strategy. It
// returns ErrInvalidConfig if the visibility is outside 1-10 or the strategy
// names are not recognized.
func New(scene SceneSummary, strategy Strategy) (*Session, error) {
	if scene.Visibility < 1 || scene.Visibility > 10 {
		return nil, fmt.Errorf("%w: visibility %d outside 1-10", ErrInvalidConfig, scene.Visibility)
	}
	if scene.InstrumentCount < 0 {
		return nil, fmt.Errorf("%w: negative instrument count %d", ErrInvalidConfig, scene.InstrumentCount)
	}
	if !ValidDetectors[strategy.Detector] {
		return nil, fmt.Errorf("%w: unknown detector %q", ErrInvalidConfig, strategy.Detector)
	}
	if !ValidTrackers[strategy.Tracker] {
		return nil, fmt.Errorf("%w: unknown tracker %q", ErrInvalidConfig, strategy.Tracker)
	}

	return &Session{
		id:              fmt.Sprintf("surgagent-%s", uuid.New().String()[:8]),
		createdAt:       time.Now().UTC(),
		state:           StateInitialized,
		initialScene:    scene,
		currentScene:    scene,
		initialStrategy: strategy,
		strategy:        strategy,
		pendingSwitch:   -1,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Strategy returns the currently active strategy.
func (s *Session) Strategy() Strategy { return s.strategy }

// Scene returns the most recent scene summary.
func (s *Session) Scene() SceneSummary { return s.currentScene }

// SetScene replaces the current scene with a fresh classifier result.
func (s *Session) SetScene(scene SceneSummary) error {
	if err := s.ensureMutable(); err != nil {
		return err
	}
	s.currentScene = scene
	return nil
}

// Samples returns the recorded confidence history in frame order.
func (s *Session) Samples() []ConfidenceSample { return s.samples }

// Checkpoints returns the checkpoint log.
func (s *Session) Checkpoints() []QualityCheckpoint { return s.checkpoints }

// Switches returns the tool switch log.
func (s *Session) Switches() []ToolSwitchEvent { return s.switches }

// Recoveries returns the recovery event log.
func (s *Session) Recoveries() []RecoveryEvent { return s.recoveries }

// RecentFailures returns the failure types seen so far, oldest first.
func (s *Session) RecentFailures() []FailureType { return s.recentFailures }

// LastFrame returns the most recently recorded frame index, or -1 if no
// frame has been recorded yet.
func (s *Session) LastFrame() int {
	if len(s.samples) == 0 {
		return -1
	}
	return s.samples[len(s.samples)-1].FrameIndex
}

// LastConfidence returns the most recent confidence value, or 0 if no frame
// has been recorded.
func (s *Session) LastConfidence() float64 {
	if len(s.samples) == 0 {
		return 0
	}
	return s.samples[len(s.samples)-1].Value
}

// Window returns up to n trailing confidence samples.
func (s *Session) Window(n int) []ConfidenceSample {
	if n <= 0 || n >= len(s.samples) {
		return s.samples
	}
	return s.samples[len(s.samples)-n:]
}

// AppendSample records one per-frame confidence reading. Frame indices must
// be strictly increasing; a stale or duplicate index fails with
// ErrOutOfOrderFrame without corrupting the session. Appending a sample
// also patches the ConfidenceAfter of a pending tool switch, if any.
func (s *Session) AppendSample(frameIndex int, value float64) error {
	if err := s.ensureMutable(); err != nil {
		return err
	}
	if frameIndex < 0 {
		return fmt.Errorf("negative frame index %d", frameIndex)
	}
	if value < 0 || value > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", value)
	}
	if last := s.LastFrame(); frameIndex <= last {
		return fmt.Errorf("%w: frame %d after frame %d", ErrOutOfOrderFrame, frameIndex, last)
	}

	s.samples = append(s.samples, ConfidenceSample{FrameIndex: frameIndex, Value: value})
	s.state = StateRunning

	if s.pendingSwitch >= 0 {
		v := value
		s.switches[s.pendingSwitch].ConfidenceAfter = &v
		s.pendingSwitch = -1
	}
	return nil
}

// AppendCheckpoint appends an immutable quality checkpoint. Checkpoint
// frames must be monotonically increasing.
func (s *Session) AppendCheckpoint(cp QualityCheckpoint) error {
	if err := s.ensureMutable(); err != nil {
		return err
	}
	if n := len(s.checkpoints); n > 0 && cp.FrameIndex <= s.checkpoints[n-1].FrameIndex {
		return fmt.Errorf("%w: checkpoint frame %d after frame %d",
			ErrOutOfOrderFrame, cp.FrameIndex, s.checkpoints[n-1].FrameIndex)
	}
	s.checkpoints = append(s.checkpoints, cp)
	s.state = StateRunning
	return nil
}

// AppendSwitch appends a tool switch event, makes its target strategy
// current, and leaves the event pending until the next confidence sample
// supplies ConfidenceAfter. Switch frames must be strictly increasing.
func (s *Session) AppendSwitch(ev ToolSwitchEvent) error {
	if err := s.ensureMutable(); err != nil {
		return err
	}
	if !ValidDetectors[ev.To.Detector] || !ValidTrackers[ev.To.Tracker] {
		return fmt.Errorf("%w: switch target %s not recognized", ErrInvalidConfig, ev.To)
	}
	if n := len(s.switches); n > 0 && ev.FrameIndex <= s.switches[n-1].FrameIndex {
		return fmt.Errorf("%w: switch frame %d after frame %d",
			ErrOutOfOrderFrame, ev.FrameIndex, s.switches[n-1].FrameIndex)
	}

	ev.ConfidenceAfter = nil
	s.switches = append(s.switches, ev)
	s.pendingSwitch = len(s.switches) - 1
	s.strategy = ev.To
	s.state = StateRunning
	return nil
}

// AppendRecovery appends a recovery event with its outcome left pending and
// returns the event index for later resolution. Recovery frames must be
// strictly increasing.
func (s *Session) AppendRecovery(ev RecoveryEvent) (int, error) {
	if err := s.ensureMutable(); err != nil {
		return 0, err
	}
	if n := len(s.recoveries); n > 0 && ev.FrameIndex <= s.recoveries[n-1].FrameIndex {
		return 0, fmt.Errorf("%w: recovery frame %d after frame %d",
			ErrOutOfOrderFrame, ev.FrameIndex, s.recoveries[n-1].FrameIndex)
	}

	ev.Success = nil
	s.recoveries = append(s.recoveries, ev)
	s.recentFailures = append(s.recentFailures, ev.FailureType)
	s.state = StateRunning
	return len(s.recoveries) - 1, nil
}

// ResolveRecovery determines the outcome of a pending recovery event. An
// already-resolved event fails with ErrAlreadyResolved; events are
// immutable after resolution.
func (s *Session) ResolveRecovery(index int, success bool, framesToRecover int) error {
	if err := s.ensureMutable(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.recoveries) {
		return fmt.Errorf("recovery event index %d out of range", index)
	}
	if s.recoveries[index].Resolved() {
		return fmt.Errorf("%w: event %d", ErrAlreadyResolved, index)
	}
	s.recoveries[index].Success = &success
	s.recoveries[index].FramesToRecover = framesToRecover
	return nil
}

// AppendNote records a free-form reasoning step (degraded-mode rationales,
// advisor fallbacks) so the trace stays a complete audit trail.
func (s *Session) AppendNote(frameIndex int, stage, rationale string) {
	if s.state == StateFinalized {
		return
	}
	s.notes = append(s.notes, Note{FrameIndex: frameIndex, Stage: stage, Rationale: rationale})
}

// Finalize transitions the session to its terminal state and returns the
// aggregate summary. It is idempotent: repeated calls return the identical
// snapshot and do not mutate the session.
func (s *Session) Finalize() Summary {
	if s.summary != nil {
		return s.summaryCopy()
	}

	successes := 0
	for _, r := range s.recoveries {
		if r.Success != nil && *r.Success {
			successes++
		}
	}
	rate := 0.0
	if len(s.recoveries) > 0 {
		rate = float64(successes) / float64(len(s.recoveries))
	}

	trace := make([]TraceEntry, 0, len(s.checkpoints)+len(s.switches)+len(s.recoveries)+len(s.notes))
	for _, cp := range s.checkpoints {
		trace = append(trace, TraceEntry{FrameIndex: cp.FrameIndex, Stage: "checkpoint", Rationale: cp.Rationale})
	}
	for _, sw := range s.switches {
		trace = append(trace, TraceEntry{FrameIndex: sw.FrameIndex, Stage: "tool_switch", Rationale: sw.Rationale})
	}
	for _, r := range s.recoveries {
		trace = append(trace, TraceEntry{FrameIndex: r.FrameIndex, Stage: "recovery", Rationale: r.Rationale})
	}
	for _, n := range s.notes {
		trace = append(trace, TraceEntry{FrameIndex: n.FrameIndex, Stage: n.Stage, Rationale: n.Rationale})
	}
	sortTrace(trace)

	s.summary = &Summary{
		SessionID:            s.id,
		CreatedAt:            s.createdAt,
		FinalizedAt:          time.Now().UTC(),
		FramesProcessed:      len(s.samples),
		FinalStrategy:        s.strategy,
		TotalSwitches:        len(s.switches),
		TotalRecoveries:      len(s.recoveries),
		SuccessfulRecoveries: successes,
		RecoverySuccessRate:  rate,
		Checkpoints:          len(s.checkpoints),
		Trace:                trace,
	}
	s.state = StateFinalized
	return s.summaryCopy()
}

// summaryCopy returns the memoized summary with its own trace slice so
// callers cannot mutate the finalized snapshot through a returned value.
func (s *Session) summaryCopy() Summary {
	out := *s.summary
	out.Trace = append([]TraceEntry(nil), s.summary.Trace...)
	return out
}

func (s *Session) ensureMutable() error {
	if s.state == StateFinalized {
		return ErrSessionFinalized
	}
	return nil
}
