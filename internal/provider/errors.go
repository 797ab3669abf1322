package provider

import (
	"errors"
	"fmt"
)

// Kind classifies a failed provider call
type Kind string

const (
	KindTransport         Kind = "transport"
	KindHTTPStatus        Kind = "http_status"
	KindNoContent         Kind = "no_content"
	KindMissingCredential Kind = "missing_credential"
	KindRateLimited       Kind = "rate_limited"
)

// CallError is returned by every failed call. None of the kinds are retried
// by the client itself.
type CallError struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		if e.Err != nil {
			return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
		}
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a CallError anywhere in err's chain
func KindOf(err error) (Kind, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
