package models

// ErrorType identifies the category of error that occurred.
type ErrorType string

const (
	// Run setup phase
	ErrSetupFailed ErrorType = "setup_failed"
	ErrPortBusy    ErrorType = "port_busy"

	// Step execution phase
	ErrInfrastructure    ErrorType = "infrastructure_error"
	ErrStepTimeout       ErrorType = "step_timeout"
	ErrFrameworkFailure  ErrorType = "framework_failure"
	ErrHITLLimitExceeded ErrorType = "hitl_limit_exceeded"

	// Pre-execution
	ErrValidationFailed ErrorType = "validation_failed"

	// Driver
	ErrRunCancelled ErrorType = "run_cancelled"

	// Catch-all
	ErrInternalError ErrorType = "internal_error"
)

// RecordedError is the serialized form of an error attached to a step or run.
type RecordedError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}
