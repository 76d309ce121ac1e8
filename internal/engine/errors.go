package engine

import "errors"

// ErrorKind classifies an engine failure for the retry policy.
type ErrorKind string

const (
	// KindTransient failures may succeed on a retry (timeouts, flaky
	// upstream services).
	KindTransient ErrorKind = "transient"

	// KindPermanent failures will fail the same way every time (malformed
	// input, unsupported documents). No retry.
	KindPermanent ErrorKind = "permanent"
)

// Error wraps an engine failure with its retry classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + " engine error: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks an error as retryable.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks an error as not retryable.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// Classify returns the retry classification of an error. Anything
// unclassified counts as transient, the same way infrastructure failures do.
func Classify(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}
