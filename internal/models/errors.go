package models

import (
	"errors"
	"fmt"
)

// FailureKind classifies where in the order pipeline an error occurred, so
// callers can distinguish "skip this tick" from "stop the bot" without
// inspecting error strings.
type FailureKind int

const (
	FailureAuth FailureKind = iota + 1
	FailureLiquidityRejected
	FailureExecution
	FailurePersistence
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuth:
		return "auth"
	case FailureLiquidityRejected:
		return "liquidity_rejected"
	case FailureExecution:
		return "execution"
	case FailurePersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// PipelineError carries a failure kind through the order pipeline.
type PipelineError struct {
	Kind FailureKind
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeline failure: %s", e.Kind)
	}
	return fmt.Sprintf("pipeline failure (%s): %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with a failure kind.
func NewPipelineError(kind FailureKind, err error) *PipelineError {
	return &PipelineError{Kind: kind, Err: err}
}

// FailureKindOf extracts the failure kind from err, or zero if err is not a
// pipeline error.
func FailureKindOf(err error) FailureKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
