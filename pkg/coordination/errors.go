package coordination

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the coordination error taxonomy. Wrap them with %w.
var (
	// ErrValidation marks missing or empty sources, targets or payload.
	ErrValidation = errors.New("validation failed")
	// ErrResolution marks an unknown id, agent or endpoint.
	ErrResolution = errors.New("resolution failed")
	// ErrUnsupportedService is returned when an agent cannot handle a service.
	ErrUnsupportedService = errors.New("unsupported service")
	// ErrIncompatibleFormats is returned by adapters for unconvertible pairs.
	ErrIncompatibleFormats = errors.New("incompatible formats")
	// ErrAllFailed marks a fan-out where every pair failed.
	ErrAllFailed = errors.New("all operations failed")
	// ErrUnavailable marks a backend that cannot be reached.
	ErrUnavailable = errors.New("unavailable")
	// ErrPanicked marks a hook that panicked instead of returning.
	ErrPanicked = errors.New("hook panicked")
)

var errorNames = []struct {
	err  error
	name string
}{
	{ErrValidation, "ValidationError"},
	{ErrResolution, "ResolutionError"},
	{ErrUnsupportedService, "UnsupportedServiceError"},
	{ErrIncompatibleFormats, "IncompatibleFormatsError"},
	{ErrAllFailed, "AggregateError"},
	{ErrUnavailable, "UnavailableError"},
	{ErrPanicked, "PanicError"},
}

// ErrorName returns a stable name for err: the first taxonomy sentinel it
// wraps, or its Go type otherwise.
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// retryable reports whether err belongs to a class the retry loop may repeat.
func retryable(err error) bool {
	for _, permanent := range []error{ErrValidation, ErrResolution, ErrUnsupportedService, ErrIncompatibleFormats} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
