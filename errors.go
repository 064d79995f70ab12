package mealsnap

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// Fatal: the run aborts and nothing is cached.
	ErrRecognitionUnavailable = errors.New("recognition unavailable")
	ErrReferenceUnavailable   = errors.New("nutrient reference unavailable")
	ErrMalformedImage         = errors.New("malformed image")
	ErrInvalidVersions        = errors.New("invalid model versions")

	// DataGap: item-scoped, the item is excluded with a warning.
	ErrUnknownPortionPrior   = errors.New("unknown portion prior")
	ErrNutrientReferenceMiss = errors.New("nutrient reference miss")

	// ErrMalformedResponse marks a collaborator response that failed validation. Never retried.
	ErrMalformedResponse = errors.New("malformed collaborator response")
	// ErrReasoningUnavailable is returned by reasoning clients; the insight generator falls back on it.
	ErrReasoningUnavailable = errors.New("reasoning unavailable")
	// ErrInvariant reports a broken aggregation invariant.
	ErrInvariant = errors.New("invariant violation")
)

// TransientError marks a collaborator failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the retry policy treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// StatusError is a non-2xx answer from an HTTP collaborator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, body)
}

// Temporary reports whether the status is worth retrying (429 or 5xx).
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}

// PartialResultError accompanies a result in which some items were excluded.
type PartialResultError struct {
	Gaps []DataGap
}

func (e *PartialResultError) Error() string {
	labels := make([]string, 0, len(e.Gaps))
	for _, g := range e.Gaps {
		labels = append(labels, fmt.Sprintf("%s(%s): %s", g.ItemID, g.Label, g.Kind))
	}
	return fmt.Sprintf("partial result, %d item(s) excluded: %s", len(e.Gaps), strings.Join(labels, ", "))
}

func (e *PartialResultError) Unwrap() []error {
	var errs []error
	seen := map[DataGapKind]bool{}
	for _, g := range e.Gaps {
		if seen[g.Kind] {
			continue
		}
		seen[g.Kind] = true
		switch g.Kind {
		case GapUnknownPortionPrior:
			errs = append(errs, ErrUnknownPortionPrior)
		case GapNutrientReferenceMiss:
			errs = append(errs, ErrNutrientReferenceMiss)
		}
	}
	return errs
}

// PartialError returns nil when there are no gaps.
func PartialError(gaps []DataGap) error {
	if len(gaps) == 0 {
		return nil
	}
	return &PartialResultError{Gaps: gaps}
}

type ErrorClass string

const (
	ClassNone      ErrorClass = "none"
	ClassTransient ErrorClass = "transient"
	ClassDataGap   ErrorClass = "data_gap"
	ClassFatal     ErrorClass = "fatal"
	ClassCancel    ErrorClass = "cancel"
)

// Classify maps an error onto the pipeline's error taxonomy using sentinels and types only.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancel
	}
	if errors.Is(err, ErrRecognitionUnavailable) ||
		errors.Is(err, ErrReferenceUnavailable) ||
		errors.Is(err, ErrMalformedImage) ||
		errors.Is(err, ErrInvalidVersions) ||
		errors.Is(err, ErrInvariant) {
		return ClassFatal
	}
	if errors.Is(err, ErrUnknownPortionPrior) || errors.Is(err, ErrNutrientReferenceMiss) {
		return ClassDataGap
	}
	var te *TransientError
	if errors.As(err, &te) {
		return ClassTransient
	}
	var se *StatusError
	if errors.As(err, &se) && se.Temporary() {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassFatal
}
