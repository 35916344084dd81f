package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FaultKind is the closed set of failure kinds recognized by the pipeline.
// Every error that crosses a stage boundary is classified into one of these.
type FaultKind string

const (
	// FaultGeneration means the language model could not be reached or failed.
	FaultGeneration FaultKind = "generation_error"
	// FaultContract means the model returned output that does not satisfy
	// the declared response schema.
	FaultContract FaultKind = "contract_violation"
	// FaultStoreTransient is a connection or timeout failure from the
	// datastore; retried locally by the executor.
	FaultStoreTransient FaultKind = "datastore_transient"
	// FaultStore is a non-transient datastore failure (syntax or schema
	// mismatch); escalated to self-correction instead of retried.
	FaultStore FaultKind = "datastore_error"
	// FaultPlanGeneration means a synthesized statement was empty or failed
	// the syntactic pre-check.
	FaultPlanGeneration FaultKind = "plan_generation_error"
	// FaultDeadline means the request-wide deadline was exhausted.
	FaultDeadline FaultKind = "deadline_exceeded"
	// FaultValidation is an internal contract breach between stages.
	FaultValidation FaultKind = "validation_error"
)

// Retryable reports whether the calling stage may retry an operation that
// failed with this kind.
func (k FaultKind) Retryable() bool {
	switch k {
	case FaultGeneration, FaultStoreTransient:
		return true
	default:
		return false
	}
}

// Fault is a classified pipeline failure. Recoverable faults let the
// pipeline continue with a fallback; unrecoverable ones short-circuit all
// remaining stages except final synthesis.
type Fault struct {
	Kind        FaultKind
	Stage       Stage
	Recoverable bool
	Err         error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s at %s: %v", f.Kind, f.Stage, f.Err)
	}
	return fmt.Sprintf("%s at %s", f.Kind, f.Stage)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps err as a Fault of the given kind originating at stage.
func NewFault(kind FaultKind, stage Stage, recoverable bool, err error) *Fault {
	return &Fault{Kind: kind, Stage: stage, Recoverable: recoverable, Err: err}
}

// FaultKindOf returns the kind of the first Fault in err's chain, or
// classifies the error directly when no Fault is present.
func FaultKindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FaultDeadline
	}
	return FaultStore
}

// ClassifyStoreError maps a datastore error to its taxonomy kind. Transient
// faults are identified by message since drivers do not share error types.
func ClassifyStoreError(err error) FaultKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FaultDeadline
	}
	if isTransientStoreError(err) {
		return FaultStoreTransient
	}
	return FaultStore
}

func isTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporarily unavailable",
		"too many connections",
		"i/o error",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
