package session

import "errors"

// Sentinel errors returned by session operations. Callers discriminate with
// errors.Is; wrapped messages carry the offending values.
var (
	// ErrInvalidConfig indicates bad initialization parameters (visibility
	// out of range, unrecognized detector or tracker). Fatal to session
	// creation.
	ErrInvalidConfig = errors.New("invalid session configuration")

	// ErrOutOfOrderFrame indicates the caller violated the monotonic frame
	// contract. Fatal to the call only; the session stays usable for the
	// next correctly ordered frame.
	ErrOutOfOrderFrame = errors.New("out-of-order frame")

	// ErrAlreadyResolved indicates a second resolution attempt on a
	// recovery event whose outcome is already determined.
	ErrAlreadyResolved = errors.New("recovery event already resolved")

	// ErrSessionFinalized indicates a mutation attempt on a finalized
	// session.
	ErrSessionFinalized = errors.New("session is finalized")
)
