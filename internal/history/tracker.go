package history

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/changes"
	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/identity"
	"github.com/rpattn/versionlog/internal/repository"
)

// RestoreOrigin is the origin recorded on Restore when none is given.
const RestoreOrigin = "rollback"

// Result is a committed tracked mutation.
type Result struct {
	// Entity is the stored entity; for a delete it is the removed state.
	Entity  domain.Record
	Version domain.Version
}

// Tracker applies mutations to tracked entities and records exactly one
// version for each, in the same transaction.
type Tracker struct {
	settings
	store    repository.TxManager
	resolver *identity.Resolver
	writer   *Writer
	config   Config
}

// NewTracker creates a Tracker over store.
func NewTracker(store repository.TxManager, registry *identity.Registry, cfg Config, opts ...Option) *Tracker {
	s := newSettings(opts)
	return &Tracker{
		settings: s,
		store:    store,
		resolver: identity.NewResolver(registry, cfg.Identity, identity.WithResolverLogger(s.logger)),
		writer:   &Writer{settings: s},
		config:   cfg,
	}
}

// Insert stores a new entity and records a created version. Identifiers
// generated by the datastore are read back before the version is written.
func (t *Tracker) Insert(ctx context.Context, record domain.Record, opts WriteOptions) (Result, error) {
	kind, err := t.resolver.Registry().KindOf(record)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = t.withTx(ctx, kind.Tag, func(ctx context.Context, tx repository.Tx) error {
		fields := record.Fields()
		if fields[kind.IDColumn] == nil {
			delete(fields, kind.IDColumn)
		}
		stored, err := tx.InsertRow(ctx, kind.Table, kind.IDColumn, fields)
		if err != nil {
			return err
		}
		entity, ref, err := t.entity(kind, stored)
		if err != nil {
			return err
		}

		itemChanges, err := changes.Encode(domain.EventCreated, nil, withoutColumn(stored, kind.IDColumn), t.config.Changes)
		if err != nil {
			return err
		}
		version, err := t.writer.Write(ctx, tx, ref, domain.EventCreated, itemChanges, opts)
		if err != nil {
			return err
		}
		result = Result{Entity: entity, Version: version}
		return nil
	})
	return result, err
}

// Update stores the entity's fields and records an updated version holding
// only the fields that changed. An update that changes nothing still records
// a version, with empty item_changes.
func (t *Tracker) Update(ctx context.Context, record domain.Record, opts WriteOptions) (Result, error) {
	kind, ref, key, err := t.target(record)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = t.withTx(ctx, kind.Tag, func(ctx context.Context, tx repository.Tx) error {
		prior, err := tx.LockRow(ctx, kind.Table, kind.IDColumn, key)
		if err != nil {
			return err
		}
		stored, err := tx.UpdateRow(ctx, kind.Table, kind.IDColumn, key, record.Fields())
		if err != nil {
			return err
		}
		entity, err := kind.Record(stored)
		if err != nil {
			return fmt.Errorf("failed to decode %s row: %w", kind.Tag, err)
		}

		itemChanges, err := changes.Encode(domain.EventUpdated,
			withoutColumn(prior, kind.IDColumn), withoutColumn(stored, kind.IDColumn), t.config.Changes)
		if err != nil {
			return err
		}
		version, err := t.writer.Write(ctx, tx, ref, domain.EventUpdated, itemChanges, opts)
		if err != nil {
			return err
		}
		result = Result{Entity: entity, Version: version}
		return nil
	})
	return result, err
}

// Delete removes the entity and records a deleted version capturing its
// last state.
func (t *Tracker) Delete(ctx context.Context, record domain.Record, opts WriteOptions) (Result, error) {
	kind, ref, key, err := t.target(record)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = t.withTx(ctx, kind.Tag, func(ctx context.Context, tx repository.Tx) error {
		prior, err := tx.LockRow(ctx, kind.Table, kind.IDColumn, key)
		if err != nil {
			return err
		}
		if err := tx.DeleteRow(ctx, kind.Table, kind.IDColumn, key); err != nil {
			return err
		}
		entity, err := kind.Record(prior)
		if err != nil {
			return fmt.Errorf("failed to decode %s row: %w", kind.Tag, err)
		}

		itemChanges, err := changes.Encode(domain.EventDeleted, withoutColumn(prior, kind.IDColumn), nil, t.config.Changes)
		if err != nil {
			return err
		}
		version, err := t.writer.Write(ctx, tx, ref, domain.EventDeleted, itemChanges, opts)
		if err != nil {
			return err
		}
		result = Result{Entity: entity, Version: version}
		return nil
	})
	return result, err
}

// Track records a version for a mutation the caller performs itself. The
// changes are encoded before mutate runs; mutate and the version write share
// one transaction.
func (t *Tracker) Track(ctx context.Context, ref domain.Ref, event domain.Event, prior, next map[string]any, opts WriteOptions, mutate func(ctx context.Context, tx repository.Tx) error) (domain.Version, error) {
	ref, err := t.normalizeRef(ref)
	if err != nil {
		return domain.Version{}, err
	}
	itemChanges, err := changes.Encode(event, prior, next, t.config.Changes)
	if err != nil {
		return domain.Version{}, err
	}

	var version domain.Version
	err = t.withTx(ctx, ref.ItemType, func(ctx context.Context, tx repository.Tx) error {
		if mutate != nil {
			if err := mutate(ctx, tx); err != nil {
				return err
			}
		}
		var err error
		version, err = t.writer.Write(ctx, tx, ref, event, itemChanges, opts)
		return err
	})
	return version, err
}

// Restore brings an entity back to its state as of versionID. A live entity
// is updated; a deleted one is inserted again. The restore is itself
// recorded as a new version.
func (t *Tracker) Restore(ctx context.Context, itemType string, rawID any, versionID int64, opts WriteOptions) (Result, error) {
	const op = "restore version"

	kind, ok := t.resolver.Registry().Lookup(itemType)
	if !ok {
		return Result{}, domain.Errorf(domain.UnknownKind, op, "kind %q is not registered", itemType)
	}
	id, err := t.resolver.NormalizeID(itemType, rawID)
	if err != nil {
		return Result{}, err
	}
	if id == nil {
		return Result{}, domain.Errorf(domain.NotFound, op, "%s has no identifier", itemType)
	}
	ref := domain.Ref{ItemType: itemType, ItemID: id}
	key, err := t.config.Identity.LiveValue(*id, kind.IDKind)
	if err != nil {
		return Result{}, err
	}

	if opts.Origin == nil {
		origin := RestoreOrigin
		opts.Origin = &origin
	}
	meta := make(map[string]any, len(opts.Meta)+1)
	for key, value := range opts.Meta {
		meta[key] = value
	}
	meta["restored_from"] = versionID
	opts.Meta = meta

	var result Result
	err = t.withTx(ctx, kind.Tag, func(ctx context.Context, tx repository.Tx) error {
		versions, err := tx.ListVersions(ctx, repository.VersionFilter{ItemType: ref.ItemType, ItemID: ref.ItemID, UpToID: versionID})
		if err != nil {
			return err
		}
		if len(versions) == 0 || versions[len(versions)-1].ID != versionID {
			return domain.Errorf(domain.NotFound, op, "version %d of %s does not exist", versionID, ref)
		}
		target, _ := changes.Replay(versions, t.config.Changes)
		target = withoutColumn(target, kind.IDColumn)
		target[kind.IDColumn] = key

		var (
			event  domain.Event
			prior  map[string]any
			stored map[string]any
		)
		prior, err = tx.LockRow(ctx, kind.Table, kind.IDColumn, key)
		switch {
		case err == nil:
			event = domain.EventUpdated
			stored, err = tx.UpdateRow(ctx, kind.Table, kind.IDColumn, key, target)
		case domain.IsNotFound(err):
			event, prior = domain.EventCreated, nil
			stored, err = tx.InsertRow(ctx, kind.Table, kind.IDColumn, target)
		}
		if err != nil {
			return err
		}

		entity, err := kind.Record(stored)
		if err != nil {
			return fmt.Errorf("failed to decode %s row: %w", kind.Tag, err)
		}
		var before map[string]any
		if prior != nil {
			before = withoutColumn(prior, kind.IDColumn)
		}
		itemChanges, err := changes.Encode(event, before, withoutColumn(stored, kind.IDColumn), t.config.Changes)
		if err != nil {
			return err
		}
		version, err := t.writer.Write(ctx, tx, ref, event, itemChanges, opts)
		if err != nil {
			return err
		}
		result = Result{Entity: entity, Version: version}
		return nil
	})
	return result, err
}

// withTx runs fn in a transaction and accounts for its outcome.
func (t *Tracker) withTx(ctx context.Context, itemType string, fn func(ctx context.Context, tx repository.Tx) error) error {
	var written *domain.Version
	err := t.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, &recordingTx{Tx: tx, written: &written})
	})
	if err != nil {
		t.metrics.WriteFailed(itemType)
		t.logger.Warn("tracked mutation rolled back", zap.String("item_type", itemType), zap.Error(err))
		return err
	}
	if written != nil {
		t.metrics.VersionWritten(string(written.Event), written.ItemType)
	}
	return nil
}

// recordingTx remembers the version inserted through it so the commit can
// be counted.
type recordingTx struct {
	repository.Tx
	written **domain.Version
}

func (r *recordingTx) InsertVersion(ctx context.Context, version domain.Version) (domain.Version, error) {
	stored, err := r.Tx.InsertVersion(ctx, version)
	if err == nil {
		*r.written = &stored
	}
	return stored, err
}

// target resolves a record that must already exist.
func (t *Tracker) target(record domain.Record) (identity.Kind, domain.Ref, any, error) {
	const op = "resolve tracked entity"

	kind, err := t.resolver.Registry().KindOf(record)
	if err != nil {
		return identity.Kind{}, domain.Ref{}, nil, err
	}
	ref, err := t.resolver.Resolve(record)
	if err != nil {
		return identity.Kind{}, domain.Ref{}, nil, err
	}
	if ref.ItemID == nil {
		return identity.Kind{}, domain.Ref{}, nil, domain.Errorf(domain.WriteError, op, "%s has no identifier", kind.Tag)
	}
	key, err := t.config.Identity.LiveValue(*ref.ItemID, kind.IDKind)
	if err != nil {
		return identity.Kind{}, domain.Ref{}, nil, err
	}
	return kind, ref, key, nil
}

func (t *Tracker) entity(kind identity.Kind, stored map[string]any) (domain.Record, domain.Ref, error) {
	entity, err := kind.Record(stored)
	if err != nil {
		return nil, domain.Ref{}, fmt.Errorf("failed to decode %s row: %w", kind.Tag, err)
	}
	id, err := t.config.Identity.Normalize(stored[kind.IDColumn], kind.IDKind)
	if err != nil {
		return nil, domain.Ref{}, err
	}
	return entity, domain.Ref{ItemType: kind.Tag, ItemID: id}, nil
}

func (t *Tracker) normalizeRef(ref domain.Ref) (domain.Ref, error) {
	if strings.TrimSpace(ref.ItemType) == "" {
		return domain.Ref{}, domain.Errorf(domain.WriteError, "track mutation", "item type is required")
	}
	id, err := t.resolver.NormalizeID(ref.ItemType, ref.ItemID)
	if err != nil {
		return domain.Ref{}, err
	}
	return domain.Ref{ItemType: ref.ItemType, ItemID: id}, nil
}

func withoutColumn(row map[string]any, column string) map[string]any {
	out := make(map[string]any, len(row))
	for key, value := range row {
		if key != column {
			out[key] = value
		}
	}
	return out
}
