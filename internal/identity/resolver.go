package identity

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/repository"
)

// Resolver maps records to refs and versions back to live records.
type Resolver struct {
	registry *Registry
	config   Config
	logger   *zap.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger used for rows the resolver skips.
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver over a registry and identifier configuration.
func NewResolver(registry *Registry, config Config, opts ...ResolverOption) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}
	r := &Resolver{registry: registry, config: config, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry the resolver reads kinds from.
func (r *Resolver) Registry() *Registry { return r.registry }

// Config returns the identifier configuration.
func (r *Resolver) Config() Config { return r.config }

// Resolve returns the (item_type, item_id) key of a record. The identifier is
// nil when the record has none yet.
func (r *Resolver) Resolve(record domain.Record) (domain.Ref, error) {
	kind, err := r.registry.KindOf(record)
	if err != nil {
		return domain.Ref{}, err
	}
	id, err := r.config.Normalize(record.PrimaryKey(), kind.IDKind)
	if err != nil {
		return domain.Ref{}, fmt.Errorf("failed to resolve %s identifier: %w", kind.Tag, err)
	}
	return domain.Ref{ItemType: kind.Tag, ItemID: id}, nil
}

// NormalizeID normalizes a raw identifier for item_type the same way Resolve does.
func (r *Resolver) NormalizeID(itemType string, raw any) (*domain.ItemID, error) {
	var hint domain.IDKind
	if kind, ok := r.registry.Lookup(itemType); ok {
		hint = kind.IDKind
	}
	return r.config.Normalize(raw, hint)
}

// Dereference loads the live record a version describes. The lookup is
// repeated on every call; a deleted entity yields a NotFound error.
func (r *Resolver) Dereference(ctx context.Context, live repository.LiveReader, version domain.Version) (domain.Record, error) {
	const op = "dereference version"

	kind, ok := r.registry.Lookup(version.ItemType)
	if !ok {
		return nil, domain.Errorf(domain.UnknownKind, op, "kind %q is not registered", version.ItemType)
	}
	if version.ItemID == nil {
		return nil, domain.Errorf(domain.NotFound, op, "version %d has no item id", version.ID)
	}

	key, err := r.config.LiveValue(*version.ItemID, kind.IDKind)
	if err != nil {
		return nil, err
	}

	row, err := live.GetRow(ctx, kind.Table, kind.IDColumn, key)
	if err != nil {
		return nil, err
	}

	record, err := kind.Record(row)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s row: %w", kind.Tag, err)
	}
	return record, nil
}

// DereferenceMany loads the live records for versions in one lookup per
// kind. The result is aligned with versions; missing entities are nil.
func (r *Resolver) DereferenceMany(ctx context.Context, live repository.LiveReader, versions []domain.Version) ([]domain.Record, error) {
	const op = "dereference versions"

	type pending struct {
		kind    Kind
		ids     []any
		indexes map[string][]int
	}

	results := make([]domain.Record, len(versions))
	groups := map[string]*pending{}
	for i, version := range versions {
		if version.ItemID == nil {
			continue
		}
		kind, ok := r.registry.Lookup(version.ItemType)
		if !ok {
			return nil, domain.Errorf(domain.UnknownKind, op, "kind %q is not registered", version.ItemType)
		}
		group := groups[kind.Tag]
		if group == nil {
			group = &pending{kind: kind, indexes: map[string][]int{}}
			groups[kind.Tag] = group
		}
		key, err := r.config.LiveValue(*version.ItemID, kind.IDKind)
		if err != nil {
			return nil, err
		}
		lookup := version.ItemID.Key()
		if _, seen := group.indexes[lookup]; !seen {
			group.ids = append(group.ids, key)
		}
		group.indexes[lookup] = append(group.indexes[lookup], i)
	}

	for _, group := range groups {
		rows, err := live.GetRows(ctx, group.kind.Table, group.kind.IDColumn, group.ids)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			id, err := r.config.Normalize(row[group.kind.IDColumn], group.kind.IDKind)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s row identifier: %w", group.kind.Tag, err)
			}
			if id == nil {
				r.logger.Warn("skipping live row without identifier",
					zap.String("item_type", group.kind.Tag),
					zap.String("table", group.kind.Table),
					zap.String("id_column", group.kind.IDColumn))
				continue
			}
			record, err := group.kind.Record(row)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s row: %w", group.kind.Tag, err)
			}
			for _, idx := range group.indexes[id.Key()] {
				results[idx] = record
			}
		}
	}

	return results, nil
}
