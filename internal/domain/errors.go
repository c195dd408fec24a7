package domain

import "errors"

// Error taxonomy. Callers branch on these with errors.Is; everything else is
// wrapped context.
var (
	// ErrInvalidParameter marks a configuration or argument problem. Fail
	// fast, never trade on a half-valid setup.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInsufficientData means a window is too short for the requested
	// lookback. Normal during warmup.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrGatewayTimeout is a gateway call that did not confirm in time. The
	// order may or may not exist at the broker.
	ErrGatewayTimeout = errors.New("gateway timeout")

	// ErrGatewayRejected is a definitive refusal from the broker.
	ErrGatewayRejected = errors.New("gateway rejected")

	// ErrConnectionLost marks gateway calls failed because the connection is
	// down.
	ErrConnectionLost = errors.New("connection lost")

	// ErrInvariantViolation is a bug guard: a state transition that must
	// never happen was attempted.
	ErrInvariantViolation = errors.New("invariant violation")
)
