package batchling

import (
	"errors"
	"fmt"
)

// Kind classifies why a batched request failed or why the engine stopped
// handling it.
type Kind int

const (
	// KindInvalidRequest means the request could not be turned into a
	// batch line at all (bad JSON, missing model, unsupported endpoint).
	KindInvalidRequest Kind = iota
	// KindAuthError means the provider rejected the credentials used to
	// submit or poll a batch. Every pending request in that batch fails
	// together.
	KindAuthError
	// KindProviderError covers any other provider/transport failure while
	// submitting, polling, or fetching results. Retryable at the engine's
	// discretion.
	KindProviderError
	// KindProviderIncomplete means the batch reached a terminal state but
	// one or more custom_ids never showed up in the results.
	KindProviderIncomplete
	// KindCancelled means the caller's context was cancelled, or the
	// request was cancelled while still queued.
	KindCancelled
	// KindEngineClosed means the engine was closed before this request
	// could be resolved.
	KindEngineClosed
	// KindDeferredExit is not a failure: it signals that the engine has
	// seen nothing but idle polling for longer than its configured
	// deferred-idle window and the caller may safely exit.
	KindDeferredExit
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindAuthError:
		return "auth_error"
	case KindProviderError:
		return "provider_error"
	case KindProviderIncomplete:
		return "provider_incomplete"
	case KindCancelled:
		return "cancelled"
	case KindEngineClosed:
		return "engine_closed"
	case KindDeferredExit:
		return "deferred_exit"
	default:
		return "unknown"
	}
}

// Error is the error type returned on a completion handle and, for fatal
// kinds, propagated to every handle still pending in the same batch.
type Error struct {
	Kind      Kind
	Provider  string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("batchling: %s (%s): %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("batchling: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, batchling.ErrDeferredExit) and friends to work
// against a *Error without callers needing to reach into its fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Provider == ""
}

// Sentinels for errors.Is comparisons against a specific kind, regardless
// of provider or message.
var (
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrAuthError         = &Error{Kind: KindAuthError}
	ErrProviderError     = &Error{Kind: KindProviderError}
	ErrProviderIncomplete = &Error{Kind: KindProviderIncomplete}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrEngineClosed      = &Error{Kind: KindEngineClosed}
	ErrDeferredExit      = &Error{Kind: KindDeferredExit}
)

// newError builds a concrete *Error, ready to attach to a provider and a
// message, leaving the package-level sentinels untouched.
func newError(kind Kind, provider, message string, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Retryable: retryable, Err: cause}
}

// IsDeferredExit reports whether err is (or wraps) a deferred-exit signal.
func IsDeferredExit(err error) bool {
	return errors.Is(err, ErrDeferredExit)
}
