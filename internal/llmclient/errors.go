// File: internal/llmclient/errors.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

var (
	// ErrTierNotConfigured is returned when a tier has no registry entry or transport.
	ErrTierNotConfigured = errors.New("model tier not configured")
	// ErrUnknownTask is returned for a task with no tier mapping and no override.
	ErrUnknownTask = errors.New("unknown task")
)

// TransportError is a failed backend call.
type TransportError struct {
	Kind       schemas.TransportKind
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s transport: status %d: %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transport: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed if repeated. Network errors
// without a status are retryable; so are 429 and the 5xx gateway family.
func (e *TransportError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch e.StatusCode {
	case 0,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable classifies any error returned by a single-tier route.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTierNotConfigured) || errors.Is(err, ErrUnknownTask) || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return true
}

// AttemptError records one failed attempt in a fallback chain.
type AttemptError struct {
	Tier    schemas.ModelTier
	Attempt int
	Err     error
}

// ChainError is returned when every tier in a fallback sequence failed.
type ChainError struct {
	Task     Task
	Chain    []schemas.ModelTier
	Attempts []AttemptError
	// Cause is set when the chain was cut short by context cancellation.
	Cause error
}

func (e *ChainError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "all model tiers failed for task %s (chain %v)", e.Task, e.Chain)
	if e.Cause != nil {
		fmt.Fprintf(&sb, ", aborted: %v", e.Cause)
	}
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, "\n  - %s attempt %d: %v", a.Tier, a.Attempt, a.Err)
	}
	return sb.String()
}

func (e *ChainError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// TiersTried returns the distinct tiers that were attempted, in order.
func (e *ChainError) TiersTried() []schemas.ModelTier {
	var tiers []schemas.ModelTier
	for _, a := range e.Attempts {
		if len(tiers) == 0 || tiers[len(tiers)-1] != a.Tier {
			tiers = append(tiers, a.Tier)
		}
	}
	return tiers
}
