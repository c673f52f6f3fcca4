// Package advisor defines the contracts for the two external collaborators
// the control loop depends on: a scene classifier that turns a frame into a
// structured scene summary, and a strategy advisor that recommends
// detector/tracker pairs and recovery actions. Both are remote, latent,
// rate-limited black boxes; the loop treats every call as cancellable and
// timeout-bound and never lets a collaborator failure kill a session.
package advisor

import (
	"context"
	"errors"

	"github.com/surgagent/surgagent/internal/session"
)

var (
	// ErrClassification indicates the classifier could not produce a scene
	// summary (malformed input or upstream failure).
	ErrClassification = errors.New("scene classification failed")

	// ErrAdvisor indicates the strategy advisor call failed.
	ErrAdvisor = errors.New("strategy advisor failed")

	// ErrBusy is the rejection/backoff signal from a rate-limited
	// collaborator. Callers retry with bounded backoff before falling back.
	ErrBusy = errors.New("advisor rate limit exceeded")
)

// SceneClassifier analyzes a single frame image and returns a structured
// scene summary.
type SceneClassifier interface {
	Analyze(ctx context.Context, frame []byte) (session.SceneSummary, error)
}

// StrategyAdvisor recommends strategies and recovery actions.
type StrategyAdvisor interface {
	// SelectStrategy returns a detector/tracker pair for the given scene,
	// taking the session's recent failure history into account.
	SelectStrategy(ctx context.Context, scene session.SceneSummary, recentFailures []session.FailureType) (session.Strategy, error)

	// RecommendRecovery returns a recovery action for the given failure.
	// The returned action may be outside the recognized enumeration; the
	// caller validates it before use.
	RecommendRecovery(ctx context.Context, failure session.FailureType, failureContext string) (session.RecoveryAction, error)
}
