package repository

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/domain"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier reports whether name can be interpolated into SQL as a
// table or column name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

const versionColumns = `id, event, item_type, item_id, item_id_kind, item_changes, originator_id, origin, meta, scope, inserted_at`

const insertVersionSQL = `INSERT INTO versions (event, item_type, item_id, item_id_kind, item_changes, originator_id, origin, meta, scope, inserted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`

const (
	claimSettingSQL = `INSERT INTO version_settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`
	getSettingSQL   = `SELECT value FROM version_settings WHERE key = $1`
)

// SQLStore is the PostgreSQL Store.
type SQLStore struct {
	sqlQueries
	db        *sqlx.DB
	isolation sql.IsolationLevel
	logger    *zap.Logger
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithIsolation sets the isolation level of tracked transactions.
func WithIsolation(level sql.IsolationLevel) SQLOption {
	return func(s *SQLStore) {
		s.isolation = level
	}
}

// WithStoreLogger sets the logger used for rollback failures.
func WithStoreLogger(logger *zap.Logger) SQLOption {
	return func(s *SQLStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSQLStore creates a store over an open database. Transactions default
// to serializable isolation so the prior state read for a diff cannot go stale.
func NewSQLStore(db *sqlx.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		sqlQueries: sqlQueries{ext: db},
		db:         db,
		isolation:  sql.LevelSerializable,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*SQLStore)(nil)

// WithTx implements TxManager.
func (s *SQLStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("failed to rollback transaction", zap.Error(rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, sqlQueries{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", zap.Error(rbErr), zap.NamedError("cause", err))
			return fmt.Errorf("%w (rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return writeError("commit transaction", err)
	}
	return nil
}

// ClaimSetting implements SettingsStore.
func (s *SQLStore) ClaimSetting(ctx context.Context, key, value string) (string, error) {
	if _, err := s.db.ExecContext(ctx, claimSettingSQL, key, value); err != nil {
		return "", fmt.Errorf("failed to claim setting %s: %w", key, err)
	}
	var stored string
	if err := s.db.GetContext(ctx, &stored, getSettingSQL, key); err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return stored, nil
}

// sqlQueries runs statements against either the pool or a transaction.
type sqlQueries struct {
	ext sqlx.ExtContext
}

type versionRow struct {
	ID           int64          `db:"id"`
	Event        string         `db:"event"`
	ItemType     string         `db:"item_type"`
	ItemID       sql.NullString `db:"item_id"`
	ItemIDKind   sql.NullString `db:"item_id_kind"`
	ItemChanges  []byte         `db:"item_changes"`
	OriginatorID sql.NullString `db:"originator_id"`
	Origin       sql.NullString `db:"origin"`
	Meta         []byte         `db:"meta"`
	Scope        sql.NullString `db:"scope"`
	InsertedAt   time.Time      `db:"inserted_at"`
}

func (q sqlQueries) InsertVersion(ctx context.Context, version domain.Version) (domain.Version, error) {
	const op = "insert version"

	if version.ItemChanges == nil {
		return domain.Version{}, domain.Errorf(domain.WriteError, op, "item_changes is required")
	}
	changes, err := json.Marshal(version.ItemChanges)
	if err != nil {
		return domain.Version{}, domain.NewError(domain.EncodingError, op, err)
	}

	var meta any
	if version.Meta != nil {
		encoded, err := json.Marshal(version.Meta)
		if err != nil {
			return domain.Version{}, domain.NewError(domain.EncodingError, op, err)
		}
		meta = encoded
	}

	var itemID, itemIDKind any
	if version.ItemID != nil {
		itemID = version.ItemID.String()
		itemIDKind = string(version.ItemID.Kind)
	}

	var id int64
	err = q.ext.QueryRowxContext(ctx, insertVersionSQL,
		string(version.Event),
		version.ItemType,
		itemID,
		itemIDKind,
		changes,
		nullable(version.OriginatorID),
		nullable(version.Origin),
		meta,
		nullable(version.Scope),
		version.InsertedAt,
	).Scan(&id)
	if err != nil {
		return domain.Version{}, writeError(op, err)
	}

	version.ID = id
	return version, nil
}

func (q sqlQueries) ListVersions(ctx context.Context, filter VersionFilter) ([]domain.Version, error) {
	query, args := buildListVersionsQuery(filter)

	var rows []versionRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	versions := make([]domain.Version, 0, len(rows))
	for _, row := range rows {
		version, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, nil
}

func (q sqlQueries) GetVersion(ctx context.Context, id int64) (domain.Version, error) {
	var row versionRow
	err := sqlx.GetContext(ctx, q.ext, &row, `SELECT `+versionColumns+` FROM versions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Version{}, domain.Errorf(domain.NotFound, "get version", "version %d does not exist", id)
		}
		return domain.Version{}, fmt.Errorf("failed to get version: %w", err)
	}
	return row.toDomain()
}

func (q sqlQueries) GetRow(ctx context.Context, table, idColumn string, id any) (map[string]any, error) {
	return q.selectRow(ctx, "get row", table, idColumn, id, "")
}

func (q sqlQueries) LockRow(ctx context.Context, table, idColumn string, id any) (map[string]any, error) {
	return q.selectRow(ctx, "lock row", table, idColumn, id, " FOR UPDATE")
}

func (q sqlQueries) selectRow(ctx context.Context, op, table, idColumn string, id any, suffix string) (map[string]any, error) {
	if err := checkIdentifiers(table, idColumn); err != nil {
		return nil, domain.NewError(domain.InvalidOption, op, err)
	}

	query := fmt.Sprintf(`SELECT to_jsonb(t) FROM %s AS t WHERE t.%s = $1%s`, table, idColumn, suffix)
	var payload []byte
	if err := q.ext.QueryRowxContext(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.Errorf(domain.NotFound, op, "%s row %v does not exist", table, id)
		}
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return decodeRow(payload)
}

func (q sqlQueries) GetRows(ctx context.Context, table, idColumn string, ids []any) ([]map[string]any, error) {
	if len(ids) == 0 {
		return []map[string]any{}, nil
	}
	if err := checkIdentifiers(table, idColumn); err != nil {
		return nil, domain.NewError(domain.InvalidOption, "get rows", err)
	}

	query, args, err := sqlx.In(fmt.Sprintf(`SELECT to_jsonb(t) FROM %s AS t WHERE t.%s IN (?)`, table, idColumn), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build row lookup: %w", err)
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)

	rows, err := q.ext.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row, err := decodeRow(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

func (q sqlQueries) InsertRow(ctx context.Context, table, idColumn string, fields map[string]any) (map[string]any, error) {
	const op = "insert row"

	columns, values, err := columnValues(fields, "")
	if err != nil {
		return nil, domain.NewError(domain.WriteError, op, err)
	}
	if err := checkIdentifiers(append([]string{table, idColumn}, columns...)...); err != nil {
		return nil, domain.NewError(domain.WriteError, op, err)
	}

	var query string
	if len(columns) == 0 {
		query = fmt.Sprintf(`INSERT INTO %s AS t DEFAULT VALUES RETURNING to_jsonb(t)`, table)
	} else {
		placeholders := make([]string, len(columns))
		for i := range columns {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		query = fmt.Sprintf(`INSERT INTO %s AS t (%s) VALUES (%s) RETURNING to_jsonb(t)`,
			table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	}

	var payload []byte
	if err := q.ext.QueryRowxContext(ctx, query, values...).Scan(&payload); err != nil {
		return nil, writeError(op, err)
	}
	return decodeRow(payload)
}

func (q sqlQueries) UpdateRow(ctx context.Context, table, idColumn string, id any, fields map[string]any) (map[string]any, error) {
	const op = "update row"

	columns, values, err := columnValues(fields, idColumn)
	if err != nil {
		return nil, domain.NewError(domain.WriteError, op, err)
	}
	if err := checkIdentifiers(append([]string{table, idColumn}, columns...)...); err != nil {
		return nil, domain.NewError(domain.WriteError, op, err)
	}
	if len(columns) == 0 {
		return q.selectRow(ctx, op, table, idColumn, id, "")
	}

	assignments := make([]string, len(columns))
	for i, column := range columns {
		assignments[i] = fmt.Sprintf("%s = $%d", column, i+1)
	}
	query := fmt.Sprintf(`UPDATE %s AS t SET %s WHERE t.%s = $%d RETURNING to_jsonb(t)`,
		table, strings.Join(assignments, ", "), idColumn, len(columns)+1)

	var payload []byte
	if err := q.ext.QueryRowxContext(ctx, query, append(values, id)...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.Errorf(domain.NotFound, op, "%s row %v does not exist", table, id)
		}
		return nil, writeError(op, err)
	}
	return decodeRow(payload)
}

func (q sqlQueries) DeleteRow(ctx context.Context, table, idColumn string, id any) error {
	const op = "delete row"

	if err := checkIdentifiers(table, idColumn); err != nil {
		return domain.NewError(domain.WriteError, op, err)
	}

	result, err := q.ext.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s AS t WHERE t.%s = $1`, table, idColumn), id)
	if err != nil {
		return writeError(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return writeError(op, err)
	}
	if affected == 0 {
		return domain.Errorf(domain.NotFound, op, "%s row %v does not exist", table, id)
	}
	return nil
}

func buildListVersionsQuery(filter VersionFilter) (string, []any) {
	var conditions []string
	var args []any
	bindIdx := 1

	add := func(condition string, value any) {
		conditions = append(conditions, fmt.Sprintf(condition, bindIdx))
		args = append(args, value)
		bindIdx++
	}

	if filter.ItemType != "" {
		add("item_type = $%d", filter.ItemType)
	}
	if filter.ItemID != nil {
		add("item_id = $%d", filter.ItemID.String())
		add("item_id_kind = $%d", string(filter.ItemID.Kind))
	}
	if filter.Event != "" {
		add("event = $%d", string(filter.Event))
	}
	if filter.OriginatorID != nil {
		add("originator_id = $%d", *filter.OriginatorID)
	}
	if filter.Scope != nil {
		add("scope = $%d", *filter.Scope)
	}
	if filter.After != nil {
		add("inserted_at >= $%d", *filter.After)
	}
	if filter.Before != nil {
		add("inserted_at <= $%d", *filter.Before)
	}
	if filter.UpToID != 0 {
		add("id <= $%d", filter.UpToID)
	}

	var builder strings.Builder
	builder.WriteString("SELECT " + versionColumns + " FROM versions")
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	if filter.Descending {
		builder.WriteString(" ORDER BY inserted_at DESC, id DESC")
	} else {
		builder.WriteString(" ORDER BY inserted_at ASC, id ASC")
	}
	if filter.Limit > 0 {
		fmt.Fprintf(&builder, " LIMIT $%d", bindIdx)
		args = append(args, filter.Limit)
	}

	return builder.String(), args
}

func (r versionRow) toDomain() (domain.Version, error) {
	event, err := domain.ParseEvent(r.Event)
	if err != nil {
		return domain.Version{}, fmt.Errorf("version %d: %w", r.ID, err)
	}

	version := domain.Version{
		ID:           r.ID,
		Event:        event,
		ItemType:     r.ItemType,
		OriginatorID: stringPtr(r.OriginatorID),
		Origin:       stringPtr(r.Origin),
		Scope:        stringPtr(r.Scope),
		InsertedAt:   r.InsertedAt,
	}

	if r.ItemID.Valid {
		kind := domain.IDKindString
		if r.ItemIDKind.Valid {
			if kind, err = domain.ParseIDKind(r.ItemIDKind.String); err != nil {
				return domain.Version{}, fmt.Errorf("version %d: %w", r.ID, err)
			}
		}
		id, err := domain.ParseItemID(kind, r.ItemID.String)
		if err != nil {
			return domain.Version{}, fmt.Errorf("version %d: %w", r.ID, err)
		}
		version.ItemID = &id
	}

	changes, err := decodeRow(r.ItemChanges)
	if err != nil {
		return domain.Version{}, fmt.Errorf("version %d item_changes: %w", r.ID, err)
	}
	version.ItemChanges = domain.ItemChanges(changes)

	if len(r.Meta) > 0 {
		meta, err := decodeRow(r.Meta)
		if err != nil {
			return domain.Version{}, fmt.Errorf("version %d meta: %w", r.ID, err)
		}
		version.Meta = meta
	}

	return version, nil
}

// writeError marks a rejected write. Constraint details from PostgreSQL are
// kept in the message.
func writeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		detail := fmt.Errorf("sqlstate %s: %s", pgErr.Code, pgErr.Message)
		if pgErr.ConstraintName != "" {
			detail = fmt.Errorf("sqlstate %s: constraint %s: %s", pgErr.Code, pgErr.ConstraintName, pgErr.Message)
		}
		return domain.NewError(domain.WriteError, op, errors.Join(detail, err))
	}
	return domain.NewError(domain.WriteError, op, err)
}

func checkIdentifiers(names ...string) error {
	for _, name := range names {
		if !ValidIdentifier(name) {
			return fmt.Errorf("invalid identifier %q", name)
		}
	}
	return nil
}

// columnValues returns sorted column names and their values, encoding maps
// and slices as JSON for json/jsonb columns.
func columnValues(fields map[string]any, skip string) ([]string, []any, error) {
	columns := make([]string, 0, len(fields))
	for column := range fields {
		if column == skip {
			continue
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)

	values := make([]any, len(columns))
	for i, column := range columns {
		value, err := columnValue(fields[column])
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", column, err)
		}
		values[i] = value
	}
	return columns, values, nil
}

func columnValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch value.(type) {
	case []byte, json.RawMessage:
		return value, nil
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		if _, isValuer := value.(driver.Valuer); isValuer {
			return value, nil
		}
		return json.Marshal(value)
	}
	if number, ok := value.(json.Number); ok {
		return number.String(), nil
	}
	return value, nil
}

func decodeRow(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	out := map[string]any{}
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return out, nil
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	out := value.String
	return &out
}
