package upstream

import (
	"errors"
	"fmt"
)

// ErrorKind tags the failure modes of control-plane calls so callers can
// pick a policy per class without string matching.
type ErrorKind int

const (
	// KindCircuitOpen means the shared breaker rejected the call before it
	// left the process.
	KindCircuitOpen ErrorKind = iota
	// KindNetwork covers transport failures and timeouts.
	KindNetwork
	// KindServer is a 5xx from the control plane.
	KindServer
	// KindClient is a non-2xx, non-5xx status.
	KindClient
	// KindParse means the response body was not the expected JSON.
	KindParse
	// KindTooLarge means the response exceeded the 1 MiB cap.
	KindTooLarge
)

// Error is the tagged error returned by every Client operation.
type Error struct {
	Kind   ErrorKind
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindCircuitOpen:
		return "circuit breaker open"
	case KindNetwork:
		return fmt.Sprintf("network error: %s", e.Err)
	case KindServer:
		return fmt.Sprintf("server error %d: %s", e.Status, e.Body)
	case KindClient:
		return fmt.Sprintf("client error %d: %s", e.Status, e.Body)
	case KindParse:
		return fmt.Sprintf("parse error: %s", e.Err)
	case KindTooLarge:
		return "response too large"
	default:
		return "unknown upstream error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether err is a breaker rejection; the admission
// path treats those like any other miss (fail open) while the warmer just
// retries on the next tick.
func IsCircuitOpen(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == KindCircuitOpen
}
