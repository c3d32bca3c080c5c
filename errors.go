package ddnsync

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Errors returned by this package wrap one of these so callers can use errors.Is.
var (
	// ErrResolutionFailed means no IP lookup service returned a usable address.
	ErrResolutionFailed = errors.New("unable to resolve public IP")

	// ErrAuth means the provider rejected the credential.
	ErrAuth = errors.New("provider rejected credential")

	// ErrTransient covers network failures, timeouts, rate limiting and 5xx responses.
	ErrTransient = errors.New("transient provider failure")

	// ErrNotFound means the domain or record is not managed by the account.
	ErrNotFound = errors.New("not found at provider")

	// ErrValidation means a configuration or target is malformed.
	ErrValidation = errors.New("invalid configuration")
)

// ProviderError describes a failed provider API call.
type ProviderError struct {
	Op     string // "list records", "create record", ...
	Domain string
	Status int   // HTTP status of the failing request, 0 if none was received
	Kind   error // one of the Err* kinds, nil for permanent request errors
	Err    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Domain != "" {
		fmt.Fprintf(&b, " %s", e.Domain)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Kind != nil {
		fmt.Fprintf(&b, ": %s", e.Kind)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Kind returns a short label for err suitable for a log field or metric label.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrResolutionFailed):
		return "resolution"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "provider"
	}
}

// retryable reports whether repeating the same call could succeed without operator action.
// Only transient provider failures and failed lookups qualify.
func retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrResolutionFailed)
}
