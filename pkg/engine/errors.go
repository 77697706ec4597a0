package engine

import (
	"errors"
	"fmt"
)

// ErrWriteFailure wraps storage errors from the window+log commit. The run
// wrote nothing; the external scheduler owns the retry.
var ErrWriteFailure = errors.New("compliance window write failed")

// ValidationError reports malformed provider input. Validation fails closed:
// the engine never guesses or defaults a malformed field, and nothing is
// written for the provider.
type ValidationError struct {
	ProviderID string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid provider input for %q: %s: %s", e.ProviderID, e.Field, e.Reason)
}

func validationErr(providerID, field, reason string) *ValidationError {
	return &ValidationError{ProviderID: providerID, Field: field, Reason: reason}
}
