package provider

import (
	"errors"
	"fmt"
)

// Kind classifies a completion failure. Rate limits and transport failures
// are worth retrying; credential and payload problems are not.
type Kind int

const (
	KindUnauthorized Kind = iota + 1
	KindRateLimited
	KindNetwork
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate limited"
	case KindNetwork:
		return "network"
	case KindMalformed:
		return "malformed response"
	default:
		return "unknown"
	}
}

// Error is a classified completion failure.
type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, or zero for other errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// Retryable reports whether a fresh attempt could plausibly succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindNetwork:
		return true
	default:
		return false
	}
}

func classifyStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindUnauthorized
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindNetwork
	default:
		return KindMalformed
	}
}

// statusError builds the Error for a non-2xx HTTP response.
func statusError(provider string, status int, body string) *Error {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody] + "..."
	}
	return &Error{
		Kind:     classifyStatus(status),
		Provider: provider,
		Status:   status,
		Err:      fmt.Errorf("%s", body),
	}
}
