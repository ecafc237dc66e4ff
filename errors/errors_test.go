package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_New(t *testing.T) {
	err := New(ErrCodeNotFound, "not found")
	if err.Code != ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeNotFound, err.Code)
	}
	if err.Retryable {
		t.Error("NOT_FOUND should not be retryable")
	}
	if !New(ErrCodeTimeout, "timed out").Retryable {
		t.Error("TIMEOUT should be retryable")
	}
}

func TestAppError_NotFound(t *testing.T) {
	err := NotFound("model", "123")
	if err.Details["resource"] != "model" || err.Details["id"] != "123" {
		t.Errorf("unexpected details %v", err.Details)
	}
	if _, ok := NotFound("model", "").Details["id"]; ok {
		t.Error("expected no 'id' key in details when id is empty")
	}
}

func TestAppError_ErrorString(t *testing.T) {
	err := Internal(fmt.Errorf("disk full"))
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected cause in message, got %q", err.Error())
	}
	if got := Conflict("busy").Error(); got != "CONFLICT: busy" {
		t.Errorf("got %q", got)
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := DatabaseError(cause)
	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	appErr, ok := AsAppError(wrapped)
	if !ok || appErr.Code != ErrCodeDatabaseError {
		t.Fatalf("AsAppError = %v, %v", appErr, ok)
	}
	if !IsAppError(wrapped) {
		t.Error("IsAppError should see through wrapping")
	}
	if IsAppError(cause) {
		t.Error("plain errors are not AppErrors")
	}
}

func TestAppError_WithDetails(t *testing.T) {
	err := New(ErrCodeInternal, "x").WithDetail("a", 1).WithDetails(map[string]any{"b": 2})
	if err.Details["a"] != 1 || err.Details["b"] != 2 {
		t.Errorf("unexpected details %v", err.Details)
	}
}

// --- run taxonomy ---

func TestRunErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		code ErrorCode
	}{
		{"empty start", EmptyStart(), ErrCodeEmptyStart},
		{"stalled", RunStalled(2), ErrCodeRunStalled},
		{"cancelled", RunCancelled(fmt.Errorf("ctx")), ErrCodeRunCancelled},
		{"model not found", ModelNotFound("orders"), ErrCodeModelNotFound},
		{"unknown type", UnknownColumnType("c", "Geo"), ErrCodeUnknownColumnType},
		{"resource limit", ResourceLimit("orders", nil), ErrCodeResourceLimit},
		{"type coercion", TypeCoercion("orders", nil), ErrCodeTypeCoercion},
		{"job cancelled", JobCancelled("orders", "j1"), ErrCodeJobCancelled},
		{"generic", MaterializationFailed("orders", nil), ErrCodeMaterializationFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.code {
				t.Errorf("code = %s, want %s", tc.err.Code, tc.code)
			}
			if tc.err.Retryable {
				t.Errorf("%s must not be retryable", tc.code)
			}
			if CodeOf(fmt.Errorf("wrap: %w", tc.err)) != tc.code {
				t.Errorf("CodeOf lost %s through wrapping", tc.code)
			}
		})
	}
}

func TestResourceLimitAndCoercionMessagesDiffer(t *testing.T) {
	rl := ResourceLimit("orders", nil).Message
	tc := TypeCoercion("orders", nil).Message
	if rl == tc {
		t.Fatal("categories must carry distinct messages")
	}
	if !strings.Contains(rl, "memory") || !strings.Contains(tc, "coercion") {
		t.Errorf("unexpected messages %q / %q", rl, tc)
	}
}

func TestHasCodeFollowsCauseChain(t *testing.T) {
	inner := JobCancelled("orders", "j1")
	outer := MaterializationFailed("orders", inner)
	if !HasCode(outer, ErrCodeJobCancelled) {
		t.Error("expected HasCode to find the inner code")
	}
	if !HasCode(outer, ErrCodeMaterializationFailed) {
		t.Error("expected HasCode to match the outer code")
	}
	if HasCode(outer, ErrCodeTimeout) {
		t.Error("unexpected match")
	}
	if HasCode(nil, ErrCodeTimeout) {
		t.Error("nil has no code")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ConnectionFailed("redis")) {
		t.Error("connection failures are retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
	if IsRetryableCode(ErrCodeRunCancelled) {
		t.Error("run cancellation must never be retried")
	}
}
