package entityloader

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/versionlog/internal/domain"
)

// Source batch-resolves the live entities behind versions. The result is
// aligned with versions; entities that no longer exist are nil.
type Source interface {
	CurrentEntities(ctx context.Context, versions []domain.Version) ([]domain.Record, error)
}

// VersionKey is a dataloader key for the entity a version describes. Two
// versions of the same entity share one key.
type VersionKey struct {
	Version domain.Version
}

// String implements dataloader.Key.
func (k VersionKey) String() string { return k.Version.Ref().String() }

// Raw implements dataloader.Key.
func (k VersionKey) Raw() interface{} { return k.Version }

// EntityLoader coalesces current-entity lookups made while serving one request.
type EntityLoader struct {
	Loader *dataloader.Loader
}

// NewEntityLoader creates a loader that batches lookups issued within wait.
func NewEntityLoader(source Source, wait time.Duration) *EntityLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		versions := make([]domain.Version, len(keys))
		for i, k := range keys {
			version, ok := k.Raw().(domain.Version)
			if !ok {
				return failAll(len(keys), fmt.Errorf("unexpected key type %T", k.Raw()))
			}
			versions[i] = version
		}

		records, err := source.CurrentEntities(ctx, versions)
		if err != nil {
			return failAll(len(keys), err)
		}
		if len(records) != len(keys) {
			return failAll(len(keys), fmt.Errorf("expected %d entities, got %d", len(keys), len(records)))
		}

		results := make([]*dataloader.Result, len(keys))
		for i, record := range records {
			results[i] = &dataloader.Result{Data: record}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(wait))

	return &EntityLoader{Loader: loader}
}

// Load returns the live entity behind version, or nil when it was deleted.
func (l *EntityLoader) Load(ctx context.Context, version domain.Version) (domain.Record, error) {
	data, err := l.Loader.Load(ctx, VersionKey{Version: version})()
	if err != nil {
		return nil, err
	}
	record, _ := data.(domain.Record)
	return record, nil
}

// LoadMany resolves every version's entity, aligned with versions.
func (l *EntityLoader) LoadMany(ctx context.Context, versions []domain.Version) ([]domain.Record, error) {
	thunks := make([]dataloader.Thunk, len(versions))
	for i, version := range versions {
		thunks[i] = l.Loader.Load(ctx, VersionKey{Version: version})
	}
	records := make([]domain.Record, len(versions))
	for i, thunk := range thunks {
		data, err := thunk()
		if err != nil {
			return nil, err
		}
		records[i], _ = data.(domain.Record)
	}
	return records, nil
}

func failAll(n int, err error) []*dataloader.Result {
	results := make([]*dataloader.Result, n)
	for i := range results {
		results[i] = &dataloader.Result{Error: err}
	}
	return results
}
