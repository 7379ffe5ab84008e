package errors

import (
	"errors"
	"fmt"
)

// Error code constants for standardized failure classification. The
// code decides the process exit status, so operators and schedulers can
// tell a bad configuration from a transient database failure.
const (
	ErrConfig   = "CONFIG_ERROR"
	ErrDatabase = "DATABASE_ERROR"
	ErrRun      = "RUN_ERROR"
)

// Exit statuses by class. Configuration problems are not retryable and
// get their own status so schedulers do not re-run them blindly.
const (
	ExitRun      = 1
	ExitConfig   = 2
	ExitDatabase = 3
)

// Error attaches a classification code to an underlying error.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config classifies an error as a configuration problem.
func Config(err error) error {
	return &Error{Code: ErrConfig, Err: err}
}

// Database classifies an error as a database connectivity problem.
func Database(err error) error {
	return &Error{Code: ErrDatabase, Err: err}
}

// Run classifies an error as a pipeline run failure.
func Run(err error) error {
	return &Error{Code: ErrRun, Err: err}
}

// Code extracts the classification code from an error chain, defaulting
// to ErrRun for unclassified errors.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrRun
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch Code(err) {
	case ErrConfig:
		return ExitConfig
	case ErrDatabase:
		return ExitDatabase
	default:
		return ExitRun
	}
}
