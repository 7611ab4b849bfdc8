package domain

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// IDKind is the identifier space an ItemID belongs to.
type IDKind string

const (
	IDKindInt    IDKind = "int"
	IDKindString IDKind = "string"
	IDKindUUID   IDKind = "uuid"
)

// ParseIDKind converts a stored kind tag into an IDKind.
func ParseIDKind(value string) (IDKind, error) {
	switch kind := IDKind(value); kind {
	case IDKindInt, IDKindString, IDKindUUID:
		return kind, nil
	}
	return "", fmt.Errorf("unknown identifier kind %q", value)
}

// ItemID is an entity identifier tagged with its identifier space.
// Integer 1 and string "1" are different identifiers.
type ItemID struct {
	Kind IDKind
	Int  int64
	Str  string
	UUID uuid.UUID
}

// IntID builds an integer identifier.
func IntID(v int64) ItemID { return ItemID{Kind: IDKindInt, Int: v} }

// StringID builds a string identifier.
func StringID(v string) ItemID { return ItemID{Kind: IDKindString, Str: v} }

// UUIDID builds a uuid identifier.
func UUIDID(v uuid.UUID) ItemID { return ItemID{Kind: IDKindUUID, UUID: v} }

// ParseItemID decodes the persisted text form of an identifier of the given kind.
func ParseItemID(kind IDKind, text string) (ItemID, error) {
	switch kind {
	case IDKindInt:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return ItemID{}, fmt.Errorf("invalid integer identifier %q: %w", text, err)
		}
		return IntID(v), nil
	case IDKindString:
		return StringID(text), nil
	case IDKindUUID:
		v, err := uuid.Parse(text)
		if err != nil {
			return ItemID{}, fmt.Errorf("invalid uuid identifier %q: %w", text, err)
		}
		return UUIDID(v), nil
	}
	return ItemID{}, fmt.Errorf("unknown identifier kind %q", kind)
}

// String returns the persisted text form.
func (id ItemID) String() string {
	switch id.Kind {
	case IDKindInt:
		return strconv.FormatInt(id.Int, 10)
	case IDKindUUID:
		return id.UUID.String()
	default:
		return id.Str
	}
}

// Key is unique across identifier spaces and is used for in-memory indexing.
func (id ItemID) Key() string {
	return string(id.Kind) + ":" + id.String()
}

// Value returns the identifier as its native Go value.
func (id ItemID) Value() any {
	switch id.Kind {
	case IDKindInt:
		return id.Int
	case IDKindUUID:
		return id.UUID
	default:
		return id.Str
	}
}

// Equal compares kind and value.
func (id ItemID) Equal(other ItemID) bool {
	return id.Kind == other.Kind && id.String() == other.String()
}
