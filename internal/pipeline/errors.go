package pipeline

import (
	"fmt"

	"github.com/tphakala/birdimage-go/internal/errors"
	"github.com/tphakala/birdimage-go/internal/fetcher"
)

// FailureKind tags the stage at which an acquisition attempt failed. It is
// the discriminant the retry loop switches on instead of inspecting error
// text.
type FailureKind string

const (
	FailureInvalidURL FailureKind = "invalid-url" // terminal, no retry
	FailureHTTPStatus FailureKind = "http-status" // retryable
	FailureNetwork    FailureKind = "network"     // retryable
	FailureDecode     FailureKind = "decode"      // retryable, shares the fetch budget
	FailureWrite      FailureKind = "write"       // retryable, shares the fetch budget
)

// StageError is the tagged failure returned from a single acquisition stage.
type StageError struct {
	Kind FailureKind
	Err  error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap implements the error unwrapping interface.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure consumes a retry or terminates the
// acquisition outright.
func (e *StageError) Retryable() bool {
	return e.Kind != FailureInvalidURL
}

// ErrorCategory implements errors.CategorizedError.
func (e *StageError) ErrorCategory() errors.ErrorCategory {
	switch e.Kind {
	case FailureInvalidURL:
		return errors.CategoryValidation
	case FailureHTTPStatus:
		return errors.CategoryHTTP
	case FailureNetwork:
		return errors.CategoryNetwork
	case FailureDecode:
		return errors.CategoryImageDecode
	case FailureWrite:
		return errors.CategoryImageWrite
	default:
		return errors.CategoryGeneric
	}
}

// classify maps a stage error from the fetcher or normalizer onto its
// FailureKind. Anything unrecognized is treated as a network failure, the
// broadest retryable kind.
func classify(err error) *StageError {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}

	switch {
	case errors.Is(err, fetcher.ErrInvalidURL):
		return &StageError{Kind: FailureInvalidURL, Err: err}
	case errors.IsCategory(err, errors.CategoryHTTP):
		return &StageError{Kind: FailureHTTPStatus, Err: err}
	case errors.IsCategory(err, errors.CategoryImageDecode):
		return &StageError{Kind: FailureDecode, Err: err}
	case errors.IsCategory(err, errors.CategoryImageWrite):
		return &StageError{Kind: FailureWrite, Err: err}
	default:
		return &StageError{Kind: FailureNetwork, Err: err}
	}
}
