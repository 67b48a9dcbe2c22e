package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a turn failure for metrics and client error frames.
type Kind string

const (
	// KindConfigTimeout: the client did not send its config frame in time.
	KindConfigTimeout Kind = "config_timeout"

	// KindUnsupportedLanguage: a language outside the supported set was
	// requested. The session continues.
	KindUnsupportedLanguage Kind = "unsupported_language"

	// KindProviderUnavailable: no provider channel could be acquired or
	// established.
	KindProviderUnavailable Kind = "provider_unavailable"

	// KindProviderRPC: a provider returned an error mid-stream. The turn
	// terminates; the session returns to idle.
	KindProviderRPC Kind = "provider_error"

	// KindProviderTimeout: a per-stage deadline was exceeded.
	KindProviderTimeout Kind = "provider_timeout"

	// KindClientDisconnect: the peer closed the transport. Cleanup is silent.
	KindClientDisconnect Kind = "client_disconnect"

	// KindInternal: an unexpected pipeline failure.
	KindInternal Kind = "internal"
)

// TurnError is a classified failure of one turn. The wrapped error carries
// the full detail for logs; Message returns the sanitized text that may cross
// the wire.
type TurnError struct {
	Kind  Kind
	Stage string // "asr", "llm", "tts", or "" when not stage-specific
	Err   error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TurnError) Unwrap() error { return e.Err }

// Message returns client-safe error text: the kind and stage only, never the
// wrapped detail.
func (e *TurnError) Message() string {
	switch e.Kind {
	case KindUnsupportedLanguage:
		return "Unsupported language"
	case KindProviderTimeout:
		if e.Stage != "" {
			return fmt.Sprintf("%s stage timed out", e.Stage)
		}
		return "stage timed out"
	case KindProviderRPC, KindProviderUnavailable:
		if e.Stage != "" {
			return fmt.Sprintf("%s stage failed", e.Stage)
		}
		return "pipeline stage failed"
	}
	return "internal error"
}

// newTurnError wraps err, classifying deadline causes as timeouts.
func newTurnError(kind Kind, stage string, err error) *TurnError {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindProviderTimeout
	}
	return &TurnError{Kind: kind, Stage: stage, Err: err}
}

// AsTurnError extracts a *TurnError from err, wrapping unknown errors as
// KindInternal.
func AsTurnError(err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	return &TurnError{Kind: KindInternal, Err: err}
}
