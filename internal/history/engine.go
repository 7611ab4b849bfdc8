package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/changes"
	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/identity"
	"github.com/rpattn/versionlog/internal/repository"
)

// Reader is the datastore surface the Engine queries.
type Reader interface {
	repository.VersionReader
	repository.LiveReader
}

// Engine answers history queries. Results are read from the datastore on
// every call; nothing is cached.
type Engine struct {
	settings
	store    Reader
	resolver *identity.Resolver
	config   Config
}

// NewEngine creates an Engine over store. Identifiers given to queries are
// normalized with cfg.Identity, the same way the Tracker normalizes them.
func NewEngine(store Reader, registry *identity.Registry, cfg Config, opts ...Option) *Engine {
	s := newSettings(opts)
	return &Engine{
		settings: s,
		store:    store,
		resolver: identity.NewResolver(registry, cfg.Identity, identity.WithResolverLogger(s.logger)),
		config:   cfg,
	}
}

// Resolver returns the identity resolver the engine normalizes with.
func (e *Engine) Resolver() *identity.Resolver { return e.resolver }

// ParseOptions parses string options using the configured strictness and
// logs keys that were ignored.
func (e *Engine) ParseOptions(values map[string]string) ([]QueryOption, error) {
	opts, ignored, err := ParseOptions(values, e.config.StrictOptions)
	if err != nil {
		return nil, err
	}
	if len(ignored) > 0 {
		e.logger.Warn("ignoring unknown query options", zap.Strings("keys", ignored))
	}
	return opts, nil
}

// ListVersions returns the versions of record in commit order.
func (e *Engine) ListVersions(ctx context.Context, record domain.Record, opts ...QueryOption) ([]domain.Version, error) {
	defer e.metrics.ObserveQuery("list_versions", time.Now())

	ref, err := e.resolver.Resolve(record)
	if err != nil {
		return nil, err
	}
	return e.listRef(ctx, ref, opts)
}

// LatestVersion returns the most recent version of record, or nil when it has none.
func (e *Engine) LatestVersion(ctx context.Context, record domain.Record, opts ...QueryOption) (*domain.Version, error) {
	defer e.metrics.ObserveQuery("latest_version", time.Now())

	ref, err := e.resolver.Resolve(record)
	if err != nil {
		return nil, err
	}
	return e.latestRef(ctx, ref, opts)
}

// ListVersionsOf returns the versions of the entity (itemType, rawID) in commit order.
func (e *Engine) ListVersionsOf(ctx context.Context, itemType string, rawID any, opts ...QueryOption) ([]domain.Version, error) {
	defer e.metrics.ObserveQuery("list_versions_of", time.Now())

	ref, err := e.ref(itemType, rawID)
	if err != nil {
		return nil, err
	}
	return e.listRef(ctx, ref, opts)
}

// LatestVersionOf returns the most recent version of (itemType, rawID), or nil.
func (e *Engine) LatestVersionOf(ctx context.Context, itemType string, rawID any, opts ...QueryOption) (*domain.Version, error) {
	defer e.metrics.ObserveQuery("latest_version_of", time.Now())

	ref, err := e.ref(itemType, rawID)
	if err != nil {
		return nil, err
	}
	return e.latestRef(ctx, ref, opts)
}

// ListByType returns the versions of every entity of itemType.
func (e *Engine) ListByType(ctx context.Context, itemType string, opts ...QueryOption) ([]domain.Version, error) {
	defer e.metrics.ObserveQuery("list_by_type", time.Now())

	if itemType == "" {
		return nil, domain.Errorf(domain.InvalidOption, "list by type", "item type is required")
	}
	return e.list(ctx, opts, func(f *repository.VersionFilter) {
		f.ItemType = itemType
	})
}

// ListByEvent returns versions with the given event, optionally limited to itemType.
func (e *Engine) ListByEvent(ctx context.Context, event domain.Event, itemType string, opts ...QueryOption) ([]domain.Version, error) {
	defer e.metrics.ObserveQuery("list_by_event", time.Now())

	if !event.Valid() {
		return nil, domain.Errorf(domain.InvalidOption, "list by event", "unknown event %q", event)
	}
	return e.list(ctx, opts, func(f *repository.VersionFilter) {
		f.Event = event
		f.ItemType = itemType
	})
}

// ListByOriginator returns versions attributed to originatorID.
func (e *Engine) ListByOriginator(ctx context.Context, originatorID string, opts ...QueryOption) ([]domain.Version, error) {
	defer e.metrics.ObserveQuery("list_by_originator", time.Now())

	if originatorID == "" {
		return nil, domain.Errorf(domain.InvalidOption, "list by originator", "originator is required")
	}
	return e.list(ctx, opts, func(f *repository.VersionFilter) {
		f.OriginatorID = &originatorID
	})
}

// GetVersion returns one version by id. Versions outside the context's
// scope are reported as not found.
func (e *Engine) GetVersion(ctx context.Context, id int64) (domain.Version, error) {
	defer e.metrics.ObserveQuery("get_version", time.Now())

	filter, err := QueryOptions{}.filter(ctx)
	if err != nil {
		return domain.Version{}, err
	}
	version, err := e.store.GetVersion(ctx, id)
	if err != nil {
		return domain.Version{}, err
	}
	if filter.Scope != nil && (version.Scope == nil || *version.Scope != *filter.Scope) {
		return domain.Version{}, domain.Errorf(domain.NotFound, "get version", "version %d does not exist", id)
	}
	return version, nil
}

// CurrentEntity looks up the live entity a version describes. It returns
// nil without error when the entity no longer exists.
func (e *Engine) CurrentEntity(ctx context.Context, version domain.Version) (domain.Record, error) {
	defer e.metrics.ObserveQuery("current_entity", time.Now())

	record, err := e.resolver.Dereference(ctx, e.store, version)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// CurrentEntities looks up the live entities of versions with one query per
// kind. The result is aligned with versions; deleted entities are nil.
func (e *Engine) CurrentEntities(ctx context.Context, versions []domain.Version) ([]domain.Record, error) {
	defer e.metrics.ObserveQuery("current_entities", time.Now())

	return e.resolver.DereferenceMany(ctx, e.store, versions)
}

// SnapshotAt reconstructs the entity as of the last version inserted at or
// before at. It returns nil when the entity had no versions by then.
func (e *Engine) SnapshotAt(ctx context.Context, itemType string, rawID any, at time.Time, opts ...QueryOption) (*domain.Snapshot, error) {
	defer e.metrics.ObserveQuery("snapshot_at", time.Now())

	ref, err := e.ref(itemType, rawID)
	if err != nil {
		return nil, err
	}
	if ref.ItemID == nil {
		return nil, nil
	}

	o := collectOptions(opts)
	o.Before = &at
	o.After = nil
	o.Limit = 0
	filter, err := o.filter(ctx)
	if err != nil {
		return nil, err
	}
	filter.ItemType = ref.ItemType
	filter.ItemID = ref.ItemID

	versions, err := e.store.ListVersions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load versions of %s: %w", ref, err)
	}
	return e.snapshot(ref, versions), nil
}

// SnapshotAtVersion reconstructs the entity as of versionID, which must
// belong to it.
func (e *Engine) SnapshotAtVersion(ctx context.Context, itemType string, rawID any, versionID int64, opts ...QueryOption) (*domain.Snapshot, error) {
	defer e.metrics.ObserveQuery("snapshot_at_version", time.Now())

	ref, err := e.ref(itemType, rawID)
	if err != nil {
		return nil, err
	}
	return e.snapshotAtVersion(ctx, ref, versionID, opts)
}

// Diff renders a unified diff between the entity's state at two versions.
func (e *Engine) Diff(ctx context.Context, itemType string, rawID any, fromVersion, toVersion int64, opts ...QueryOption) (string, error) {
	defer e.metrics.ObserveQuery("diff", time.Now())

	ref, err := e.ref(itemType, rawID)
	if err != nil {
		return "", err
	}
	base, err := e.snapshotAtVersion(ctx, ref, fromVersion, opts)
	if err != nil {
		return "", err
	}
	target, err := e.snapshotAtVersion(ctx, ref, toVersion, opts)
	if err != nil {
		return "", err
	}
	return domain.DiffSnapshots(fmt.Sprintf("version %d", fromVersion), base, fmt.Sprintf("version %d", toVersion), target)
}

func (e *Engine) snapshotAtVersion(ctx context.Context, ref domain.Ref, versionID int64, opts []QueryOption) (*domain.Snapshot, error) {
	const op = "snapshot at version"

	if ref.ItemID == nil {
		return nil, domain.Errorf(domain.NotFound, op, "%s has no identifier", ref.ItemType)
	}

	o := collectOptions(opts)
	o.After, o.Before, o.Limit = nil, nil, 0
	filter, err := o.filter(ctx)
	if err != nil {
		return nil, err
	}
	filter.ItemType = ref.ItemType
	filter.ItemID = ref.ItemID
	filter.UpToID = versionID

	versions, err := e.store.ListVersions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load versions of %s: %w", ref, err)
	}
	if len(versions) == 0 || versions[len(versions)-1].ID != versionID {
		return nil, domain.Errorf(domain.NotFound, op, "version %d of %s does not exist", versionID, ref)
	}
	return e.snapshot(ref, versions), nil
}

func (e *Engine) snapshot(ref domain.Ref, versions []domain.Version) *domain.Snapshot {
	if len(versions) == 0 {
		return nil
	}
	fields, _ := changes.Replay(versions, e.config.Changes)
	last := versions[len(versions)-1]
	return &domain.Snapshot{
		ItemType:   ref.ItemType,
		ItemID:     ref.ItemID,
		VersionID:  last.ID,
		Event:      last.Event,
		InsertedAt: last.InsertedAt,
		Fields:     fields,
	}
}

func (e *Engine) ref(itemType string, rawID any) (domain.Ref, error) {
	if itemType == "" {
		return domain.Ref{}, domain.Errorf(domain.InvalidOption, "resolve reference", "item type is required")
	}
	id, err := e.resolver.NormalizeID(itemType, rawID)
	if err != nil {
		return domain.Ref{}, err
	}
	return domain.Ref{ItemType: itemType, ItemID: id}, nil
}

func (e *Engine) listRef(ctx context.Context, ref domain.Ref, opts []QueryOption) ([]domain.Version, error) {
	if ref.ItemID == nil {
		return []domain.Version{}, nil
	}
	return e.list(ctx, opts, func(f *repository.VersionFilter) {
		f.ItemType = ref.ItemType
		f.ItemID = ref.ItemID
	})
}

func (e *Engine) latestRef(ctx context.Context, ref domain.Ref, opts []QueryOption) (*domain.Version, error) {
	if ref.ItemID == nil {
		return nil, nil
	}
	versions, err := e.list(ctx, append(append([]QueryOption{}, opts...), WithLimit(1)), func(f *repository.VersionFilter) {
		f.ItemType = ref.ItemType
		f.ItemID = ref.ItemID
		f.Descending = true
	})
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return &versions[0], nil
}

func (e *Engine) list(ctx context.Context, opts []QueryOption, narrow func(*repository.VersionFilter)) ([]domain.Version, error) {
	filter, err := collectOptions(opts).filter(ctx)
	if err != nil {
		return nil, err
	}
	narrow(&filter)

	versions, err := e.store.ListVersions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}
