// ABOUTME: Typed error hierarchy surfaced by the RPC client facade.
// ABOUTME: Only this layer raises errors to calling code; the gateway answers with responses.

package telegram

import (
	"errors"
	"fmt"
)

// ErrRequestTimeout means no response arrived within the caller's budget.
var ErrRequestTimeout = errors.New("telegram request timeout")

// ErrInstanceNotReady means the instance stayed mid-authentication for
// the whole call budget. Callers typically show "still connecting".
var ErrInstanceNotReady = errors.New("telegram instance not ready")

// ErrInstanceNotRunning means the instance was down and the start-retry
// budget is exhausted. A start was already attempted; callers retry.
var ErrInstanceNotRunning = errors.New("telegram instance not running")

// ProtocolError carries a native-layer failure verbatim for diagnostics.
type ProtocolError struct {
	Message     string
	Code        int
	DetailsCode string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("telegram: %s, code: %d", e.Message, e.Code)
}

// UnauthorizedError is the 401 case. Callers react by re-driving the
// authentication flow; DetailsCode names the pending auth state.
type UnauthorizedError struct {
	ProtocolError
}

// IsNotFound reports whether err is the provider's 404-style failure.
func IsNotFound(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Code == 404
}
