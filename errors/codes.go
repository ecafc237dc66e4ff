package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Connection/Availability errors (retryable)
const (
	// ErrCodeServiceUnavailable indicates a dependency is temporarily unavailable.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeConnectionFailed indicates a failed connection to a dependency.
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
)

// Resource errors
const (
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict      ErrorCode = "CONFLICT"
)

// Validation errors
const (
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField  ErrorCode = "MISSING_FIELD"
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"
)

// Internal errors
const (
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabaseError   ErrorCode = "DATABASE_ERROR"
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// Run orchestration errors
const (
	// ErrCodeEmptyStart indicates a DAG with no parentless node to seed the run.
	ErrCodeEmptyStart ErrorCode = "EMPTY_START"
	// ErrCodeRunStalled indicates unfinished nodes that can never become ready.
	ErrCodeRunStalled ErrorCode = "RUN_STALLED"
	// ErrCodeRunCancelled indicates the whole run was cancelled.
	ErrCodeRunCancelled ErrorCode = "RUN_CANCELLED"
	// ErrCodeModelNotFound indicates a label that resolves to no saved model.
	ErrCodeModelNotFound ErrorCode = "MODEL_NOT_FOUND"
	// ErrCodeUnknownColumnType indicates a source column type outside the mapping table.
	ErrCodeUnknownColumnType ErrorCode = "UNKNOWN_COLUMN_TYPE"
	// ErrCodeResourceLimit indicates the query engine hit a memory or size limit.
	ErrCodeResourceLimit ErrorCode = "RESOURCE_LIMIT"
	// ErrCodeTypeCoercion indicates a value that could not be converted to its column type.
	ErrCodeTypeCoercion ErrorCode = "TYPE_COERCION"
	// ErrCodeJobCancelled indicates the job record was cancelled while the model ran.
	ErrCodeJobCancelled ErrorCode = "JOB_CANCELLED"
	// ErrCodeMaterializationFailed is the generic node failure.
	ErrCodeMaterializationFailed ErrorCode = "MATERIALIZATION_FAILED"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeServiceUnavailable: true,
	ErrCodeConnectionFailed:   true,
	ErrCodeTimeout:            true,
	ErrCodeDatabaseError:      true,
	ErrCodeExternalService:    true,
	ErrCodeInternal:           false,
	ErrCodeRunCancelled:       false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
