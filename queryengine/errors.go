package queryengine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrResourceLimit marks a query that exceeded a memory, size or row limit.
	ErrResourceLimit = errors.New("queryengine: resource limit exceeded")
	// ErrTypeCoercion marks a value that could not be converted to its column type.
	ErrTypeCoercion = errors.New("queryengine: type coercion failed")
)

var resourcePatterns = []string{
	"memory limit",
	"out of memory",
	"memory_limit_exceeded",
	"too big",
	"too large",
	"result set exceeds",
}

// classify wraps engine errors that match a known category.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrResourceLimit) || errors.Is(err, ErrTypeCoercion) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, p := range resourcePatterns {
		if strings.Contains(msg, p) {
			return fmt.Errorf("%w: %w", ErrResourceLimit, err)
		}
	}
	return err
}

// CoercionError describes one value that did not fit its column.
type CoercionError struct {
	Column string
	Type   ColumnType
	Value  interface{}
	Reason string
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("column %q: cannot convert %v (%T) to %s: %s", e.Column, e.Value, e.Value, e.Type, e.Reason)
}

// Unwrap makes every CoercionError match ErrTypeCoercion.
func (e *CoercionError) Unwrap() error { return ErrTypeCoercion }
