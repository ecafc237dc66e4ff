package queryengine

import (
	"context"
	"io"
)

// ColumnType is a destination column type.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeTimestamp ColumnType = "timestamp"
	TypeDate      ColumnType = "date"
	TypeInteger   ColumnType = "integer"
	TypeFloat     ColumnType = "float"
	TypeBoolean   ColumnType = "boolean"
	TypeDecimal   ColumnType = "decimal"
	TypeComplex   ColumnType = "complex"
)

// Column is one output column. Source is the result-set column it is read
// from; Name is the key it is written under.
type Column struct {
	Name     string     `json:"name"`
	Source   string     `json:"source,omitempty"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

func (c Column) source() string {
	if c.Source != "" {
		return c.Source
	}
	return c.Name
}

// Sink receives the newline-delimited JSON parts of a query result, in order.
type Sink interface {
	WritePart(ctx context.Context, index int, r io.Reader) error
}

// Request is one query execution.
type Request struct {
	// Label names the model for logs and errors.
	Label   string
	Query   string
	Columns []Column
	Sink    Sink
}

// Output summarizes a finished execution.
type Output struct {
	Rows  int64
	Parts int
}
