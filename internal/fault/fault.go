// Package fault classifies pipeline errors so each stage can decide between
// retrying, dead-lettering and surfacing to operators.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the retry class of an error
type Kind int

const (
	// KindTransient covers network, timeout and model-unavailable failures. Retried with backoff.
	KindTransient Kind = iota
	// KindValidation covers malformed input and missing provenance. Never retried.
	KindValidation
	// KindIntegrity covers hash mismatches and duplicate versions. Never auto-corrected.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	default:
		return "transient"
	}
}

// Error is a classified error. Messages carry identifiers and field names, never values.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Validation builds a non-retryable rejection
func Validation(op string, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Integrity wraps err as an operator-facing integrity failure
func Integrity(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIntegrity, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error; unclassified errors are transient
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsValidation reports whether err is a validation rejection
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsIntegrity reports whether err is an integrity failure
func IsIntegrity(err error) bool { return err != nil && KindOf(err) == KindIntegrity }
