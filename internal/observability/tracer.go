package observability

import "context"

// Tracer defines the interface for observability tracing. Implementations
// track the lifecycle of tracking sessions, recording model invocations
// (generations) and skipped or degraded stages.
//
// Trace hierarchy:
//
//	Session (Trace)
//	  └── Stage (Span): scene_analysis, strategy_selection, recovery
//	        ├── Vision call (Generation)
//	        └── Advisor call (Generation or Event if skipped)
type Tracer interface {
	StartTrace(sessionID string, opts TraceOptions) TraceContext
	StartStage(trace TraceContext, stage string, opts SpanOptions) SpanContext
	RecordGeneration(span SpanContext, gen GenerationInput)
	RecordSkipped(span SpanContext, component string, reason string)
	EndStage(span SpanContext, status string, durationMs int64)
	CompleteTrace(trace TraceContext, opts CompleteOptions)
	Flush(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TraceContext holds the context for an active trace (session level).
type TraceContext struct {
	TraceID   string
	SessionID string
	Metadata  map[string]string
}

// SpanContext holds the context for an active span (stage level).
type SpanContext struct {
	SpanID    string
	StageName string
	TraceID   string
}

// TraceOptions configures a new trace.
type TraceOptions struct {
	VideoPath string
	Strategy  string
}

// SpanOptions configures a new span.
type SpanOptions struct {
	FrameIndex int
	Metadata   map[string]string
}

// GenerationInput describes a model invocation to record.
type GenerationInput struct {
	Name       string // "SceneClassifier" or "StrategyAdvisor"
	Model      string
	Input      string // Prompt or structured input sent to the model
	Output     string // Structured result extracted from the response
	Status     string // "completed" or "error"
	DurationMs int64
}

// CompleteOptions configures trace completion.
type CompleteOptions struct {
	Status          string // "finalized" or "aborted"
	TotalSwitches   int
	TotalRecoveries int
}
