package errors

import "fmt"

// EmptyStart is returned by the runner when no node can seed the run.
func EmptyStart() *AppError {
	return &AppError{
		Code:    ErrCodeEmptyStart,
		Message: "DAG has no node without parents; nothing can start the run.",
	}
}

// RunStalled is returned when unfinished nodes can never become ready.
func RunStalled(pending int) *AppError {
	return &AppError{
		Code:    ErrCodeRunStalled,
		Message: fmt.Sprintf("Run stalled with %d nodes that can never become ready.", pending),
		Details: map[string]any{"pending": pending},
	}
}

// RunCancelled wraps the cause of a run-level cancellation.
func RunCancelled(cause error) *AppError {
	return &AppError{
		Code: ErrCodeRunCancelled, Message: "The run was cancelled.", Cause: cause,
	}
}

// ModelNotFound is returned when a label resolves to no saved model.
func ModelNotFound(label string) *AppError {
	return &AppError{
		Code: ErrCodeModelNotFound, Message: fmt.Sprintf("Model %q does not exist.", label),
		Details: map[string]any{"label": label},
	}
}

// UnknownColumnType is returned for a source column type outside the mapping table.
func UnknownColumnType(column, sourceType string) *AppError {
	return &AppError{
		Code:    ErrCodeUnknownColumnType,
		Message: fmt.Sprintf("Column %q has unsupported type %q.", column, sourceType),
		Details: map[string]any{"column": column, "type": sourceType},
	}
}

// ResourceLimit reports a model whose query exceeded engine limits.
func ResourceLimit(label string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeResourceLimit,
		Message: fmt.Sprintf("Query for model %q exceeded the engine's memory or size limit. "+
			"Try reducing the data scanned or adding filters.", label),
		Details: map[string]any{"label": label},
		Cause:   cause,
	}
}

// TypeCoercion reports a model whose output could not be converted to its column types.
func TypeCoercion(label string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeTypeCoercion,
		Message: fmt.Sprintf("Type coercion failed for model %q. "+
			"Check that the query's column types match the declared schema.", label),
		Details: map[string]any{"label": label},
		Cause:   cause,
	}
}

// JobCancelled reports a model whose job record was cancelled mid-run.
func JobCancelled(label, jobID string) *AppError {
	return &AppError{
		Code:    ErrCodeJobCancelled,
		Message: fmt.Sprintf("Job for model %q was cancelled.", label),
		Details: map[string]any{"label": label, "job_id": jobID},
	}
}

// MaterializationFailed is the generic node failure.
func MaterializationFailed(label string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeMaterializationFailed,
		Message: fmt.Sprintf("Materializing model %q failed.", label),
		Details: map[string]any{"label": label},
		Cause:   cause,
	}
}
