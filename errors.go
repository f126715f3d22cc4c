package meowchat

import (
	"fmt"

	"github.com/pkg/errors"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// ErrorKind classifies a chat failure for the caller's retry/surface policy.
type ErrorKind int

const (
	// KindNetwork means the chat server could not be reached. Retryable;
	// callers should offer a manual retry rather than looping.
	KindNetwork ErrorKind = iota + 1

	// KindAuthRejected means the backend returned a permission denial. The
	// stored session token has already been cleared; the chat session is
	// over but the primary identity session is untouched.
	KindAuthRejected

	// KindTokenExchange means the identity bridge could not mint a chat
	// session. Retryable; Endpoint names the exchange URL that was tried.
	KindTokenExchange

	// KindServerFault means the backend looks misconfigured or down
	// (404/5xx). Surfaced as "unavailable" and not auto-retried.
	KindServerFault

	// KindSendFailed means a single message send failed. The optimistic
	// entry has been rolled back; the rest of the session is unaffected.
	KindSendFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network unavailable"
	case KindAuthRejected:
		return "auth rejected"
	case KindTokenExchange:
		return "token exchange failed"
	case KindServerFault:
		return "server fault"
	case KindSendFailed:
		return "send failed"
	}
	return "unknown"
}

// Error is a classified chat error. Endpoint records the URL that was being
// talked to when the failure happened, for diagnostics.
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Status   int
	Message  string
	cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("%s (tried %s)", msg, e.Endpoint)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind ErrorKind, endpoint, message string, cause error) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Message: message, cause: cause}
}

func kindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsNetworkUnavailable reports whether err is a reachability failure.
func IsNetworkUnavailable(err error) bool { return kindOf(err) == KindNetwork }

// IsAuthRejected reports whether err is a backend permission denial.
func IsAuthRejected(err error) bool { return kindOf(err) == KindAuthRejected }

// IsTokenExchangeFailed reports whether err came from the identity bridge.
func IsTokenExchangeFailed(err error) bool { return kindOf(err) == KindTokenExchange }

// IsServerFault reports whether err indicates a broken or missing backend.
func IsServerFault(err error) bool { return kindOf(err) == KindServerFault }

// IsSendFailed reports whether err is a rolled-back message send.
func IsSendFailed(err error) bool { return kindOf(err) == KindSendFailed }

// Retryable reports whether the failure class is worth a manual retry.
// Server faults are not: the backend needs fixing, not another request.
func Retryable(err error) bool {
	switch kindOf(err) {
	case KindNetwork, KindTokenExchange, KindSendFailed:
		return true
	}
	return false
}
