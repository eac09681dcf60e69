// Package errors provides standardized error handling for the assessment engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Fatal, construction-time or invariant violations.
	ErrCodeConfigurationError ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeProtocolViolation  ErrorCode = "PROTOCOL_VIOLATION"

	// Transient pool failures, retried by the stage-level retry policy.
	ErrCodePoolTimeout   ErrorCode = "POOL_TIMEOUT"
	ErrCodePoolExhausted ErrorCode = "POOL_EXHAUSTED"
	ErrCodePoolClosed    ErrorCode = "POOL_CLOSED"

	// Domain failures raised by plugged-in stages.
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeCacheMiss                ErrorCode = "CACHE_MISS"
	ErrCodeReportIndexFailed        ErrorCode = "REPORT_INDEX_FAILED"
	ErrCodeMissingDependencyOutput  ErrorCode = "MISSING_DEPENDENCY_OUTPUT"
	ErrCodeInputValidationFailed    ErrorCode = "INPUT_VALIDATION_FAILED"
)

// EngineError represents a structured engine error.
type EngineError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("EngineError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Stage Errors
// ==========================

// StageError is the failure contract between a stage implementation and the
// orchestrator. Kind carries the stage-defined failure class; Retryable
// decides whether the retry policy applies.
type StageError struct {
	Kind      ErrorCode `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("StageError[%s]: %s", e.Kind, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// ==========================
// 3. Run Failures
// ==========================

// RunFailure is the aggregate failure returned to callers: the failing
// stage, root cause, attempt count and the partial stage outputs collected
// before the run stopped.
type RunFailure struct {
	RunID    string                 `json:"runId"`
	Stage    string                 `json:"stage"`
	Status   string                 `json:"status"`
	Attempts int                    `json:"attempts"`
	Cause    error                  `json:"-"`
	Partial  map[string]interface{} `json:"partial,omitempty"`
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("RunFailure[%s]: stage %q failed after %d attempt(s): %v",
		e.Status, e.Stage, e.Attempts, e.Cause)
}

func (e *RunFailure) Unwrap() error {
	return e.Cause
}

// ==========================
// 4. Error Constructors
// ==========================

// NewConfigurationError creates a fatal configuration error.
func NewConfigurationError(details string) *EngineError {
	return &EngineError{
		Code:      ErrCodeConfigurationError,
		Message:   "Invalid engine configuration or stage graph",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewProtocolViolationError creates a fatal internal bug signal, e.g. a
// double release. It is never retried.
func NewProtocolViolationError(details string) *EngineError {
	return &EngineError{
		Code:      ErrCodeProtocolViolation,
		Message:   "Connection pool protocol violation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewPoolTimeoutError creates a retryable acquire timeout error.
func NewPoolTimeoutError(waited time.Duration) *EngineError {
	return &EngineError{
		Code:      ErrCodePoolTimeout,
		Message:   "Connection acquire timed out",
		Details:   fmt.Sprintf("waited: %s", waited),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewPoolExhaustedError creates a retryable capacity error.
func NewPoolExhaustedError(capacity int) *EngineError {
	return &EngineError{
		Code:      ErrCodePoolExhausted,
		Message:   "Connection pool has no available capacity",
		Details:   fmt.Sprintf("capacity: %d", capacity),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewPoolClosedError creates a non-retryable error for a shut-down pool.
func NewPoolClosedError() *EngineError {
	return &EngineError{
		Code:      ErrCodePoolClosed,
		Message:   "Connection pool is closed",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnectionFailedError creates a retryable connection error.
func NewDatabaseConnectionFailedError(err error) *EngineError {
	return &EngineError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Store connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInputValidationError creates a non-retryable input error.
func NewInputValidationError(details string) *EngineError {
	return &EngineError{
		Code:      ErrCodeInputValidationFailed,
		Message:   "Application input failed validation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRetryableStageError wraps a transient stage failure.
func NewRetryableStageError(kind ErrorCode, err error) *StageError {
	return &StageError{
		Kind:      kind,
		Message:   err.Error(),
		Retryable: true,
		Cause:     err,
	}
}

// NewFatalStageError wraps a stage failure that must not be retried.
func NewFatalStageError(kind ErrorCode, err error) *StageError {
	return &StageError{
		Kind:      kind,
		Message:   err.Error(),
		Retryable: false,
		Cause:     err,
	}
}

// NewMissingDependencyError signals a dependency output absent from the run
// context. The cycle check prevents this; seeing it at runtime is a bug.
func NewMissingDependencyError(stage, dependency string) *StageError {
	return &StageError{
		Kind:      ErrCodeMissingDependencyOutput,
		Message:   fmt.Sprintf("stage %q: dependency output %q not published", stage, dependency),
		Retryable: false,
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// IsRetryable reports whether the retry policy applies to err.
func IsRetryable(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// Kind extracts the error code for monitoring labels. Unknown errors are
// reported as UNCLASSIFIED.
func Kind(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return string(se.Kind)
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return string(ee.Code)
	}
	if err != nil {
		return "UNCLASSIFIED"
	}
	return ""
}

// IsCode reports whether err carries the given engine error code. The
// outermost classified error wins when causes are themselves classified.
func IsCode(err error, code ErrorCode) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind == code
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
