package engine

import (
	"errors"
	"fmt"

	"github.com/batchling/batchling/provider"
)

// Kind classifies why the engine failed to resolve a pending request.
// It mirrors the batchling package's public Kind one level down, so the
// engine has no dependency on the root package (which depends on it).
type Kind int

const (
	KindInvalidRequest Kind = iota
	KindAuthError
	KindProviderError
	KindProviderIncomplete
	KindCancelled
	KindEngineClosed
)

// Error is the engine's internal error type. The root package translates
// it into a *batchling.Error at the API boundary.
type Error struct {
	Kind      Kind
	Provider  string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s (%s): %s", e.kindString(), e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) kindString() string {
	switch e.Kind {
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
	default:
		return "unknown"
	}
}

func newError(kind Kind, provider, message string, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Retryable: retryable, Err: cause}
}

// classifyAdapterErr turns a raw adapter failure (from Submit, Poll, or
// FetchResults) into an *Error whose Kind and Retryable reflect the HTTP
// status carried by a *provider.StatusError, if any. A rejected or missing
// credential becomes a fatal KindAuthError; any other status defers to
// provider.ClassifyStatus; an error with no status attached (a transport
// failure, an unclassified SDK error) stays a retryable KindProviderError,
// since the engine has no better signal to go on.
func classifyAdapterErr(providerName string, err error) *Error {
	var se *provider.StatusError
	if errors.As(err, &se) {
		if provider.IsAuthStatus(se.Status) {
			return newError(KindAuthError, providerName, err.Error(), false, err)
		}
		return newError(KindProviderError, providerName, err.Error(), provider.ClassifyStatus(se.Status), err)
	}
	return newError(KindProviderError, providerName, err.Error(), true, err)
}

// ErrEngineClosed is returned by Handle once Close has been called.
var ErrEngineClosed = newError(KindEngineClosed, "", "engine is closed", false, nil)
