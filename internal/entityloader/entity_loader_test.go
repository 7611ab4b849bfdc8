package entityloader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/versionlog/internal/domain"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	batches [][]domain.Version
	live    map[string]domain.Record
	err     error
}

func (f *fakeSource) CurrentEntities(_ context.Context, versions []domain.Version) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, versions)
	if f.err != nil {
		return nil, f.err
	}
	records := make([]domain.Record, len(versions))
	for i, v := range versions {
		records[i] = f.live[v.Ref().String()]
	}
	return records, nil
}

func version(id int64, itemID int64) domain.Version {
	itemKey := domain.IntID(itemID)
	return domain.Version{ID: id, ItemType: "widget", ItemID: &itemKey}
}

func TestLoadManyBatchesAndDeduplicates(t *testing.T) {
	widget := domain.NewRow("widget", "id", map[string]any{"id": int64(1), "name": "a"})
	source := &fakeSource{live: map[string]domain.Record{version(0, 1).Ref().String(): widget}}
	loader := NewEntityLoader(source, time.Millisecond)

	records, err := loader.LoadMany(context.Background(), []domain.Version{version(1, 1), version(2, 2), version(3, 1)})
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, widget, records[0])
	assert.Nil(t, records[1])
	assert.Equal(t, widget, records[2])

	assert.Equal(t, 1, source.calls)
	assert.Len(t, source.batches[0], 2)
}

func TestLoadCachesPerLoader(t *testing.T) {
	source := &fakeSource{}
	loader := NewEntityLoader(source, time.Millisecond)

	_, err := loader.Load(context.Background(), version(1, 9))
	require.NoError(t, err)
	_, err = loader.Load(context.Background(), version(2, 9))
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
}

func TestLoadPropagatesErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("boom")}
	loader := NewEntityLoader(source, time.Millisecond)

	_, err := loader.Load(context.Background(), version(1, 1))
	assert.EqualError(t, err, "boom")
}

func TestVersionKey(t *testing.T) {
	key := VersionKey{Version: version(5, 3)}
	assert.Equal(t, "widget#int:3", key.String())
	assert.Equal(t, version(5, 3), key.Raw())
}
