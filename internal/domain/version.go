package domain

import (
	"fmt"
	"time"
)

// Event tags the kind of mutation a version records.
type Event string

const (
	EventCreated Event = "created"
	EventUpdated Event = "updated"
	EventDeleted Event = "deleted"
)

// MaxOriginLength is the width of the persisted origin column.
const MaxOriginLength = 50

// ParseEvent converts a stored event tag into an Event.
func ParseEvent(value string) (Event, error) {
	event := Event(value)
	if !event.Valid() {
		return "", fmt.Errorf("unknown version event %q", value)
	}
	return event, nil
}

// Valid reports whether the event is one of the known tags.
func (e Event) Valid() bool {
	switch e {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

// Version is an immutable record of one mutation applied to a tracked entity.
type Version struct {
	ID           int64
	Event        Event
	ItemType     string
	ItemID       *ItemID
	ItemChanges  ItemChanges
	OriginatorID *string
	Origin       *string
	Meta         map[string]any
	Scope        *string
	InsertedAt   time.Time
}

// Ref returns the identity of the entity the version describes.
func (v Version) Ref() Ref {
	ref := Ref{ItemType: v.ItemType}
	if v.ItemID != nil {
		id := *v.ItemID
		ref.ItemID = &id
	}
	return ref
}

// Ref is the stable (item_type, item_id) key of a tracked entity.
type Ref struct {
	ItemType string
	ItemID   *ItemID
}

// NewRef builds a reference with a known identifier.
func NewRef(itemType string, id ItemID) Ref {
	return Ref{ItemType: itemType, ItemID: &id}
}

func (r Ref) String() string {
	if r.ItemID == nil {
		return r.ItemType + "#<nil>"
	}
	return r.ItemType + "#" + r.ItemID.Key()
}

// ItemChanges maps a field name to the value (or before/after pair) captured for a mutation.
type ItemChanges map[string]any

// Clone returns a shallow copy; the result is never nil.
func (c ItemChanges) Clone() ItemChanges {
	out := make(ItemChanges, len(c))
	for key, value := range c {
		out[key] = value
	}
	return out
}

// Fields returns the changed field names in no particular order.
func (c ItemChanges) Fields() []string {
	keys := make([]string, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	return keys
}
