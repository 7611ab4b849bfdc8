// Package identity maps tracked entities to their stable (item_type, item_id) key.
package identity

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/repository"
)

// Decoder builds a record from a live row.
type Decoder func(fields map[string]any) (domain.Record, error)

// Kind declares a tracked entity kind. The tag is chosen by the caller and
// stored verbatim as item_type.
type Kind struct {
	Tag string
	// Sample is a zero value of the Go type that carries this kind. Optional
	// for kinds only handled as domain.Row.
	Sample domain.Record
	// Table is the live table the entities are stored in.
	Table string
	// IDColumn defaults to "id".
	IDColumn string
	// IDKind is the identifier space of the kind. Raw identifiers, including
	// the strings a query arrives with, are parsed into it. When empty it is
	// taken from Sample's primary key type; a kind without a Sample must set it.
	IDKind domain.IDKind
	// Decode defaults to producing a domain.Row.
	Decode Decoder
}

// Record builds the kind's record from a live row.
func (k Kind) Record(fields map[string]any) (domain.Record, error) {
	if k.Decode != nil {
		return k.Decode(fields)
	}
	return domain.NewRow(k.Tag, k.IDColumn, fields), nil
}

// Registry holds the kinds known to a process. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[string]Kind
	byType map[reflect.Type]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:  map[string]Kind{},
		byType: map[reflect.Type]string{},
	}
}

// Register adds a kind. Tags and Go types may each be registered once.
// The identifier space must be known so that writes and lookups agree.
func (r *Registry) Register(kind Kind) error {
	if kind.Tag == "" {
		return fmt.Errorf("kind tag is required")
	}
	if kind.IDColumn == "" {
		kind.IDColumn = "id"
	}
	if !repository.ValidIdentifier(kind.Table) {
		return fmt.Errorf("kind %s: invalid table name %q", kind.Tag, kind.Table)
	}
	if !repository.ValidIdentifier(kind.IDColumn) {
		return fmt.Errorf("kind %s: invalid id column %q", kind.Tag, kind.IDColumn)
	}
	if kind.IDKind == "" && kind.Sample != nil {
		if id, ok, err := native(kind.Sample.PrimaryKey()); err == nil && ok {
			kind.IDKind = id.Kind
		}
	}
	if kind.IDKind == "" {
		return fmt.Errorf("kind %s: id kind is required", kind.Tag)
	}
	if _, err := domain.ParseIDKind(string(kind.IDKind)); err != nil {
		return fmt.Errorf("kind %s: %w", kind.Tag, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTag[kind.Tag]; exists {
		return fmt.Errorf("kind tag %q is already registered", kind.Tag)
	}
	if kind.Sample != nil {
		typ := reflect.TypeOf(kind.Sample)
		if owner, exists := r.byType[typ]; exists {
			return fmt.Errorf("type %s is already registered as %q", typ, owner)
		}
		r.byType[typ] = kind.Tag
	}
	r.byTag[kind.Tag] = kind
	return nil
}

// MustRegister is Register that panics, for package-level setup.
func (r *Registry) MustRegister(kind Kind) {
	if err := r.Register(kind); err != nil {
		panic(err)
	}
}

// Lookup returns the kind registered under tag.
func (r *Registry) Lookup(tag string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.byTag[tag]
	return kind, ok
}

// KindOf returns the kind of a record, preferring a self-declared tag.
func (r *Registry) KindOf(record domain.Record) (Kind, error) {
	if record == nil {
		return Kind{}, domain.Errorf(domain.UnknownKind, "resolve kind", "record is nil")
	}
	if typed, ok := record.(domain.Typed); ok {
		if kind, found := r.Lookup(typed.ItemType()); found {
			return kind, nil
		}
		return Kind{}, domain.Errorf(domain.UnknownKind, "resolve kind", "kind %q is not registered", typed.ItemType())
	}

	r.mu.RLock()
	tag, ok := r.byType[reflect.TypeOf(record)]
	r.mu.RUnlock()
	if !ok {
		return Kind{}, domain.Errorf(domain.UnknownKind, "resolve kind", "type %T is not registered", record)
	}
	kind, _ := r.Lookup(tag)
	return kind, nil
}

// Tags lists the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
