package domain

// Record is implemented by every tracked entity.
type Record interface {
	// PrimaryKey returns the entity's identifier, or nil before one is assigned.
	PrimaryKey() any
	// Fields returns the entity's persisted columns keyed by column name.
	Fields() map[string]any
}

// Typed records carry their own registered type tag.
type Typed interface {
	ItemType() string
}

// Row is a map-backed record used when a kind registers no decoder.
type Row struct {
	Kind     string
	IDColumn string
	Values   map[string]any
}

// NewRow copies values into a row of the given kind.
func NewRow(kind, idColumn string, values map[string]any) Row {
	return Row{Kind: kind, IDColumn: idColumn, Values: cloneProperties(values)}
}

// ItemType implements Typed.
func (r Row) ItemType() string { return r.Kind }

// PrimaryKey implements Record.
func (r Row) PrimaryKey() any {
	if r.Values == nil {
		return nil
	}
	return r.Values[r.IDColumn]
}

// Fields implements Record.
func (r Row) Fields() map[string]any {
	return cloneProperties(r.Values)
}

// WithField returns a copy of the row with key set to value.
func (r Row) WithField(key string, value any) Row {
	values := cloneProperties(r.Values)
	values[key] = value
	return Row{Kind: r.Kind, IDColumn: r.IDColumn, Values: values}
}
