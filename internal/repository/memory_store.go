package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/rpattn/versionlog/internal/domain"
)

// MemoryStore is an in-process Store. Transactions are serialized and work
// on a private copy of the data that replaces the committed copy on success.
// Fault injection hooks make write failures reproducible in tests.
type MemoryStore struct {
	txMu sync.Mutex

	mu             sync.RWMutex
	data           *memoryData
	versionFault   error
	liveWriteFault error
}

type memoryData struct {
	versions      []domain.Version
	nextVersionID int64
	tables        map[string]map[string]map[string]any
	sequences     map[string]int64
	settings      map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memoryData{
			tables:    map[string]map[string]map[string]any{},
			sequences: map[string]int64{},
			settings:  map[string]string{},
		},
	}
}

var _ Store = (*MemoryStore)(nil)

// FailVersionInserts makes every following version insert fail with err
// until it is called again with nil.
func (s *MemoryStore) FailVersionInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versionFault = err
}

// FailLiveWrites makes every following live row write fail with err until
// it is called again with nil.
func (s *MemoryStore) FailLiveWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveWriteFault = err
}

func (s *MemoryStore) faults() (version, live error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versionFault, s.liveWriteFault
}

func (s *MemoryStore) committed() *memoryData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// WithTx implements TxManager.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{store: s, data: s.committed().clone()}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.mu.Lock()
	s.data = tx.data
	s.mu.Unlock()
	return nil
}

// ListVersions implements VersionReader against committed data.
func (s *MemoryStore) ListVersions(ctx context.Context, filter VersionFilter) ([]domain.Version, error) {
	return s.committed().listVersions(filter), nil
}

// GetVersion implements VersionReader against committed data.
func (s *MemoryStore) GetVersion(ctx context.Context, id int64) (domain.Version, error) {
	return s.committed().getVersion(id)
}

// GetRow implements LiveReader against committed data.
func (s *MemoryStore) GetRow(ctx context.Context, table, idColumn string, id any) (map[string]any, error) {
	return s.committed().getRow(table, id)
}

// GetRows implements LiveReader against committed data.
func (s *MemoryStore) GetRows(ctx context.Context, table, idColumn string, ids []any) ([]map[string]any, error) {
	return s.committed().getRows(table, ids), nil
}

// ClaimSetting implements SettingsStore.
func (s *MemoryStore) ClaimSetting(ctx context.Context, key, value string) (string, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.data.settings[key]; ok {
		return stored, nil
	}
	s.data.settings[key] = value
	return value, nil
}

type memoryTx struct {
	store *MemoryStore
	data  *memoryData
}

func (t *memoryTx) InsertVersion(ctx context.Context, version domain.Version) (domain.Version, error) {
	const op = "insert version"

	if fault, _ := t.store.faults(); fault != nil {
		return domain.Version{}, domain.NewError(domain.WriteError, op, fault)
	}
	if err := checkVersionConstraints(version); err != nil {
		return domain.Version{}, domain.NewError(domain.WriteError, op, err)
	}

	t.data.nextVersionID++
	version.ID = t.data.nextVersionID
	version.ItemChanges = version.ItemChanges.Clone()
	t.data.versions = append(t.data.versions, version)
	return version, nil
}

func (t *memoryTx) ListVersions(ctx context.Context, filter VersionFilter) ([]domain.Version, error) {
	return t.data.listVersions(filter), nil
}

func (t *memoryTx) GetVersion(ctx context.Context, id int64) (domain.Version, error) {
	return t.data.getVersion(id)
}

func (t *memoryTx) GetRow(ctx context.Context, table, idColumn string, id any) (map[string]any, error) {
	return t.data.getRow(table, id)
}

func (t *memoryTx) GetRows(ctx context.Context, table, idColumn string, ids []any) ([]map[string]any, error) {
	return t.data.getRows(table, ids), nil
}

func (t *memoryTx) LockRow(ctx context.Context, table, idColumn string, id any) (map[string]any, error) {
	return t.data.getRow(table, id)
}

func (t *memoryTx) InsertRow(ctx context.Context, table, idColumn string, fields map[string]any) (map[string]any, error) {
	const op = "insert row"

	if _, fault := t.store.faults(); fault != nil {
		return nil, domain.NewError(domain.WriteError, op, fault)
	}

	row := copyRow(fields)
	if row[idColumn] == nil {
		t.data.sequences[table]++
		row[idColumn] = t.data.sequences[table]
	}

	rows := t.data.table(table)
	key := rowKey(row[idColumn])
	if _, exists := rows[key]; exists {
		return nil, domain.Errorf(domain.WriteError, op, "duplicate key %s in %s", key, table)
	}
	rows[key] = row
	return copyRow(row), nil
}

func (t *memoryTx) UpdateRow(ctx context.Context, table, idColumn string, id any, fields map[string]any) (map[string]any, error) {
	const op = "update row"

	if _, fault := t.store.faults(); fault != nil {
		return nil, domain.NewError(domain.WriteError, op, fault)
	}

	rows := t.data.table(table)
	key := rowKey(id)
	existing, ok := rows[key]
	if !ok {
		return nil, domain.Errorf(domain.NotFound, op, "%s row %s does not exist", table, key)
	}

	row := copyRow(existing)
	for column, value := range fields {
		if column == idColumn {
			continue
		}
		row[column] = value
	}
	rows[key] = row
	return copyRow(row), nil
}

func (t *memoryTx) DeleteRow(ctx context.Context, table, idColumn string, id any) error {
	const op = "delete row"

	if _, fault := t.store.faults(); fault != nil {
		return domain.NewError(domain.WriteError, op, fault)
	}

	rows := t.data.table(table)
	key := rowKey(id)
	if _, ok := rows[key]; !ok {
		return domain.Errorf(domain.NotFound, op, "%s row %s does not exist", table, key)
	}
	delete(rows, key)
	return nil
}

func checkVersionConstraints(version domain.Version) error {
	switch {
	case !version.Event.Valid():
		return fmt.Errorf("invalid event %q", version.Event)
	case version.ItemType == "":
		return errors.New("item_type is required")
	case version.ItemChanges == nil:
		return errors.New("item_changes is required")
	case version.InsertedAt.IsZero():
		return errors.New("inserted_at is required")
	case version.Origin != nil && utf8.RuneCountInString(*version.Origin) > domain.MaxOriginLength:
		return fmt.Errorf("origin exceeds %d characters", domain.MaxOriginLength)
	}
	return nil
}

func (d *memoryData) clone() *memoryData {
	out := &memoryData{
		versions:      make([]domain.Version, len(d.versions)),
		nextVersionID: d.nextVersionID,
		tables:        make(map[string]map[string]map[string]any, len(d.tables)),
		sequences:     make(map[string]int64, len(d.sequences)),
		settings:      make(map[string]string, len(d.settings)),
	}
	copy(out.versions, d.versions)
	for name, rows := range d.tables {
		copied := make(map[string]map[string]any, len(rows))
		for key, row := range rows {
			copied[key] = row
		}
		out.tables[name] = copied
	}
	for name, seq := range d.sequences {
		out.sequences[name] = seq
	}
	for key, value := range d.settings {
		out.settings[key] = value
	}
	return out
}

func (d *memoryData) table(name string) map[string]map[string]any {
	rows, ok := d.tables[name]
	if !ok {
		rows = map[string]map[string]any{}
		d.tables[name] = rows
	}
	return rows
}

func (d *memoryData) getRow(table string, id any) (map[string]any, error) {
	row, ok := d.tables[table][rowKey(id)]
	if !ok {
		return nil, domain.Errorf(domain.NotFound, "get row", "%s row %s does not exist", table, rowKey(id))
	}
	return copyRow(row), nil
}

func (d *memoryData) getRows(table string, ids []any) []map[string]any {
	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if row, ok := d.tables[table][rowKey(id)]; ok {
			rows = append(rows, copyRow(row))
		}
	}
	return rows
}

func (d *memoryData) getVersion(id int64) (domain.Version, error) {
	for _, version := range d.versions {
		if version.ID == id {
			return version, nil
		}
	}
	return domain.Version{}, domain.Errorf(domain.NotFound, "get version", "version %d does not exist", id)
}

func (d *memoryData) listVersions(filter VersionFilter) []domain.Version {
	out := []domain.Version{}
	for _, version := range d.versions {
		if matches(version, filter) {
			out = append(out, version)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].InsertedAt.Equal(out[j].InsertedAt) {
			return out[i].InsertedAt.Before(out[j].InsertedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func matches(version domain.Version, filter VersionFilter) bool {
	if filter.ItemType != "" && version.ItemType != filter.ItemType {
		return false
	}
	if filter.ItemID != nil && (version.ItemID == nil || !version.ItemID.Equal(*filter.ItemID)) {
		return false
	}
	if filter.Event != "" && version.Event != filter.Event {
		return false
	}
	if filter.OriginatorID != nil && (version.OriginatorID == nil || *version.OriginatorID != *filter.OriginatorID) {
		return false
	}
	if filter.Scope != nil && (version.Scope == nil || *version.Scope != *filter.Scope) {
		return false
	}
	if filter.After != nil && version.InsertedAt.Before(*filter.After) {
		return false
	}
	if filter.Before != nil && version.InsertedAt.After(*filter.Before) {
		return false
	}
	if filter.UpToID != 0 && version.ID > filter.UpToID {
		return false
	}
	return true
}

func rowKey(id any) string {
	switch v := id.(type) {
	case domain.ItemID:
		return v.String()
	case *domain.ItemID:
		if v != nil {
			return v.String()
		}
	}
	return fmt.Sprint(id)
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for key, value := range row {
		out[key] = value
	}
	return out
}
