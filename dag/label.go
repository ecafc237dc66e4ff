package dag

import (
	"github.com/google/uuid"
)

// LabelKind says how a LabelRef addresses its model.
type LabelKind int

const (
	// ByName addresses a model by its unique name.
	ByName LabelKind = iota
	// ByID addresses a model by its UUID.
	ByID
)

// LabelRef is a parsed node label: a model name or a model ID.
type LabelRef struct {
	Kind LabelKind
	Name string
	ID   uuid.UUID
}

// ParseLabel classifies label once at the boundary. Labels that parse as a
// UUID address the model by ID; everything else is a name.
func ParseLabel(label string) LabelRef {
	if id, err := uuid.Parse(label); err == nil {
		return LabelRef{Kind: ByID, ID: id}
	}
	return LabelRef{Kind: ByName, Name: label}
}

// NameRef returns a by-name reference.
func NameRef(name string) LabelRef { return LabelRef{Kind: ByName, Name: name} }

// IDRef returns a by-ID reference.
func IDRef(id uuid.UUID) LabelRef { return LabelRef{Kind: ByID, ID: id} }

// String returns the label form of the reference.
func (r LabelRef) String() string {
	if r.Kind == ByID {
		return r.ID.String()
	}
	return r.Name
}
