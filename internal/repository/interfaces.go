package repository

import (
	"context"
	"time"

	"github.com/rpattn/versionlog/internal/domain"
)

// VersionFilter selects versions. Every set field is an equality or range
// predicate evaluated by the datastore, never a post-filter.
type VersionFilter struct {
	ItemType     string
	ItemID       *domain.ItemID
	Event        domain.Event
	OriginatorID *string
	Scope        *string
	After        *time.Time
	Before       *time.Time
	// UpToID bounds the result to versions with id <= UpToID when non-zero.
	UpToID     int64
	Limit      int
	Descending bool
}

// VersionWriter appends versions. There is no update or delete.
type VersionWriter interface {
	InsertVersion(ctx context.Context, version domain.Version) (domain.Version, error)
}

// VersionReader answers indexed version queries.
type VersionReader interface {
	ListVersions(ctx context.Context, filter VersionFilter) ([]domain.Version, error)
	GetVersion(ctx context.Context, id int64) (domain.Version, error)
}

// LiveReader looks up rows of tracked entity tables. Missing rows are
// reported with a domain.NotFound error.
type LiveReader interface {
	GetRow(ctx context.Context, table, idColumn string, id any) (map[string]any, error)
	GetRows(ctx context.Context, table, idColumn string, ids []any) ([]map[string]any, error)
}

// LiveWriter mutates rows of tracked entity tables.
type LiveWriter interface {
	// InsertRow returns the stored row, including generated columns.
	InsertRow(ctx context.Context, table, idColumn string, fields map[string]any) (map[string]any, error)
	UpdateRow(ctx context.Context, table, idColumn string, id any, fields map[string]any) (map[string]any, error)
	DeleteRow(ctx context.Context, table, idColumn string, id any) error
	// LockRow reads a row and holds it until the transaction ends.
	LockRow(ctx context.Context, table, idColumn string, id any) (map[string]any, error)
}

// SettingsStore keeps dataset-wide settings.
type SettingsStore interface {
	// ClaimSetting stores value under key if the key is absent and returns
	// the value now stored.
	ClaimSetting(ctx context.Context, key, value string) (string, error)
}

// Tx is one datastore transaction.
type Tx interface {
	VersionWriter
	VersionReader
	LiveReader
	LiveWriter
}

// TxManager runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is the full datastore surface used by the versioning layer.
type Store interface {
	TxManager
	VersionReader
	LiveReader
	SettingsStore
}
