package testlens

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// InvalidParameterError reports bad invocation parameters. It maps to exit code -1.
type InvalidParameterError struct {
	Param string
	Err   error
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %v", e.Param, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *InvalidParameterError) Unwrap() error {
	return e.Err
}

// NewInvalidParameterError creates a new InvalidParameterError
func NewInvalidParameterError(param string, err error) *InvalidParameterError {
	return &InvalidParameterError{Param: param, Err: err}
}

// IsInvalidParameterError checks if the error is or wraps an InvalidParameterError
func IsInvalidParameterError(err error) bool {
	var paramErr *InvalidParameterError
	return err != nil && errors.As(err, &paramErr)
}

// RunnerError is an error or panic that escaped a framework adapter. It carries the
// stack of the point it was raised from. It maps to exit code -2.
type RunnerError struct {
	Err error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RunnerError) Unwrap() error {
	return e.Err
}

// Format prints the cause chain and stack with %+v
func (e *RunnerError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%+v", e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}

// NewRunnerError wraps err with a stack trace unless it already has one
func NewRunnerError(err error) *RunnerError {
	type stackTracer interface {
		StackTrace() pkgerrors.StackTrace
	}
	var st stackTracer
	if !errors.As(err, &st) {
		err = pkgerrors.WithStack(err)
	}
	return &RunnerError{Err: err}
}

// IsRunnerError checks if the error is or wraps a RunnerError
func IsRunnerError(err error) bool {
	var runnerErr *RunnerError
	return err != nil && errors.As(err, &runnerErr)
}

// RuntimeError represents an operational error of the controller that should lead
// to exit code 2, such as configuration errors or unknown projects.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError reports that a controller run completed with failing tests (exit code 1)
type TestFailureError struct {
	Message string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
