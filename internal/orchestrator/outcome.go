package orchestrator

import (
	"context"
	"errors"

	"github.com/nvdpsingh/DevPilot/internal/project"
)

// ErrTestsFailed reports a completed test run that did not pass. It is an
// expected negative result: Retryable, but never retried by the Executor.
var ErrTestsFailed = errors.New("tests failed")

// ErrRetriesExhausted is recorded when a non-test phase stays Retryable
// after the Executor's retry.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrRepeatedTimeout is recorded when a phase timed out on every attempt.
var ErrRepeatedTimeout = errors.New("phase timed out repeatedly")

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as a recoverable collaborator failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// PhaseOutcome is the classified result of one phase invocation.
type PhaseOutcome struct {
	Outcome  project.Outcome
	Value    any
	Artifact string
	Reason   string
	Err      error
	TimedOut bool
	Attempts int
}

// OK reports whether the phase succeeded.
func (o PhaseOutcome) OK() bool { return o.Outcome == project.OutcomeSuccess }

// classify maps an attempt error to an outcome, and reports whether the
// Executor may retry it.
func classify(parent context.Context, err error) (outcome project.Outcome, retry, timedOut bool) {
	switch {
	case err == nil:
		return project.OutcomeSuccess, false, false
	case parent.Err() != nil:
		// The caller gave up; nothing to retry.
		return project.OutcomeFatal, false, false
	case errors.Is(err, ErrTestsFailed):
		return project.OutcomeRetryable, false, false
	case errors.Is(err, context.DeadlineExceeded):
		return project.OutcomeRetryable, true, true
	case IsRetryable(err):
		return project.OutcomeRetryable, true, false
	default:
		return project.OutcomeFatal, false, false
	}
}
