package domain

import "errors"

// Sentinel errors for every failure the sync core reports to a connection.
// Handlers match with errors.Is and translate to wire codes via ErrorCode.
var (
	ErrUnauthenticated          = errors.New("no credential presented")
	ErrSessionNotFound          = errors.New("session not found")
	ErrIdentityResolutionFailed = errors.New("session identity cannot be resolved")
	ErrBoardNotFound            = errors.New("board not found")
	ErrAccessDenied             = errors.New("access to board denied")
	ErrPermissionDenied         = errors.New("permission denied")
	ErrConflictDetected         = errors.New("conflicting concurrent edit")
	ErrTimeout                  = errors.New("operation timed out")
	ErrAllocationExhausted      = errors.New("order rebalance failed")
)

// ErrorCode maps an error to the stable code sent on the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrSessionNotFound):
		return "session-not-found"
	case errors.Is(err, ErrIdentityResolutionFailed):
		return "identity-resolution-failed"
	case errors.Is(err, ErrBoardNotFound):
		return "board-not-found"
	case errors.Is(err, ErrAccessDenied):
		return "access-denied"
	case errors.Is(err, ErrPermissionDenied):
		return "denied"
	case errors.Is(err, ErrConflictDetected):
		return "conflict"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAllocationExhausted):
		return "allocation-exhausted"
	default:
		return "internal"
	}
}
