package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/hybridshell/errors"
)

// Kind classifies provider failures by how callers must react to them.
type Kind int

const (
	// KindTransport is a network or server failure. Retryable up to a bound.
	KindTransport Kind = iota
	// KindAuth is a missing or rejected credential. Fatal, never retried.
	KindAuth
	// KindRateLimit means the backend asked us to slow down. Retryable with backoff.
	KindRateLimit
	// KindRefusal means the model declined to answer. Not retried; surfaced
	// to the user as a normal response carrying a refusal flag.
	KindRefusal
	// KindRequest is a request the backend rejected as malformed. Not retried.
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindRefusal:
		return "refusal"
	case KindRequest:
		return "request"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ProviderError is the single error type returned by backends.
type ProviderError struct {
	Kind     Kind
	Provider string
	// Text carries the model's explanation for refusals.
	Text string
	Err  error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Provider, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindRateLimit
}

// KindOf extracts the Kind of a provider failure.
func KindOf(err error) (Kind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

func IsAuth(err error) bool      { k, ok := KindOf(err); return ok && k == KindAuth }
func IsRateLimit(err error) bool { k, ok := KindOf(err); return ok && k == KindRateLimit }
func IsTransport(err error) bool { k, ok := KindOf(err); return ok && k == KindTransport }
func IsRefusal(err error) bool   { k, ok := KindOf(err); return ok && k == KindRefusal }

// RefusalText returns the model's explanation when err is a refusal.
func RefusalText(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind == KindRefusal {
		return pe.Text
	}
	return ""
}

func newError(provider string, kind Kind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// statusKind maps an HTTP status code to a failure kind.
func statusKind(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status == 408 || status == 409 || status >= 500:
		return KindTransport
	case status >= 400:
		return KindRequest
	}
	return KindTransport
}

// messageKind classifies errors that only expose a message, such as the
// gRPC-backed Gemini client.
func messageKind(err error) Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key not valid"),
		strings.Contains(msg, "permissiondenied"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "unauthenticated"):
		return KindAuth
	case strings.Contains(msg, "resourceexhausted"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "invalidargument"),
		strings.Contains(msg, "invalid argument"):
		return KindRequest
	}
	return KindTransport
}

// classifyContext converts a deadline hit on a per-call timeout into a
// retryable transport failure, while leaving cancellation of the caller's
// own context as is.
func classifyContext(parent context.Context, provider string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(provider, KindTransport, err)
	}
	return err
}
