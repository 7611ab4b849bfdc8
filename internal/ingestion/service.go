// Package ingestion imports spreadsheet rows as tracked entities, recording
// one created version per row.
package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/auth"
	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/history"
	"github.com/rpattn/versionlog/internal/identity"
)

// ImportOrigin is recorded on imported versions unless the request
// context carries an origin.
const ImportOrigin = "import"

// Inserter stores one tracked entity and its created version.
type Inserter interface {
	Insert(ctx context.Context, record domain.Record, opts history.WriteOptions) (history.Result, error)
}

// Service imports tabular data into tracked tables.
type Service struct {
	inserter Inserter
	registry *identity.Registry
	logger   *zap.Logger
}

// NewService creates a new ingestion service.
func NewService(inserter Inserter, registry *identity.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{inserter: inserter, registry: registry, logger: logger}
}

// Request describes the ingestion input.
type Request struct {
	ItemType string
	FileName string
	Data     io.Reader
}

// RowError reports why one data row was not imported.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Summary returns ingestion level results.
type Summary struct {
	TotalRows   int        `json:"totalRows"`
	ValidRows   int        `json:"validRows"`
	InvalidRows int        `json:"invalidRows"`
	VersionIDs  []int64    `json:"versionIds"`
	RowErrors   []RowError `json:"rowErrors"`
}

type columnType int

const (
	columnString columnType = iota
	columnInteger
	columnFloat
	columnBoolean
)

type tableData struct {
	headers []string
	rows    [][]string
}

// Ingest reads the uploaded file and inserts every row as a new entity of
// req.ItemType. Each row commits on its own; a failing row is reported in
// the summary and does not affect the others.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{VersionIDs: []int64{}, RowErrors: []RowError{}}

	kind, ok := s.registry.Lookup(strings.TrimSpace(req.ItemType))
	if !ok {
		return summary, domain.Errorf(domain.UnknownKind, "ingest", "kind %q is not registered", req.ItemType)
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read payload: %w", err)
	}

	table, err := parseTable(req.FileName, payload)
	if err != nil {
		return summary, err
	}
	types := make([]columnType, len(table.headers))
	for col := range table.headers {
		types[col] = profileColumn(col, table.rows)
	}

	var origin *string
	if _, fromContext := auth.OriginFromContext(ctx); !fromContext {
		importOrigin := ImportOrigin
		origin = &importOrigin
	}

	summary.TotalRows = len(table.rows)
	for idx, row := range table.rows {
		rowNumber := idx + 1
		fields, err := rowFields(table.headers, types, row)
		if err == nil {
			var result history.Result
			result, err = s.inserter.Insert(ctx, domain.NewRow(kind.Tag, kind.IDColumn, fields), history.WriteOptions{
				Origin: origin,
				Meta:   map[string]any{"import_file": req.FileName, "import_row": rowNumber},
			})
			if err == nil {
				summary.ValidRows++
				summary.VersionIDs = append(summary.VersionIDs, result.Version.ID)
				continue
			}
		}
		summary.InvalidRows++
		summary.RowErrors = append(summary.RowErrors, RowError{Row: rowNumber, Message: err.Error()})
		s.logger.Warn("import row rejected",
			zap.String("item_type", kind.Tag),
			zap.String("file", req.FileName),
			zap.Int("row", rowNumber),
			zap.Error(err))
	}

	s.logger.Info("import finished",
		zap.String("item_type", kind.Tag),
		zap.String("file", req.FileName),
		zap.Int("valid_rows", summary.ValidRows),
		zap.Int("invalid_rows", summary.InvalidRows))
	return summary, nil
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return parseExcel(payload)
	default:
		return parseCSV(payload)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	csvReader := csv.NewReader(bytes.NewReader(payload))
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

// normalizeTable takes the first non-empty row as the header.
func normalizeTable(records [][]string) (tableData, error) {
	var (
		headerRow []string
		dataRows  [][]string
	)
	for _, row := range records {
		if isEmptyRow(row) {
			continue
		}
		if headerRow == nil {
			headerRow = row
			continue
		}
		dataRows = append(dataRows, row)
	}
	if headerRow == nil {
		return tableData{}, errors.New("no rows found in file")
	}

	headers := sanitizeHeaders(headerRow)
	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}
	return tableData{headers: headers, rows: dataRows}, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.ToLower(strings.TrimSpace(value))
		name = strings.NewReplacer(" ", "_", ".", "_", "-", "_").Replace(name)
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// profileColumn picks the narrowest type every non-empty cell fits.
func profileColumn(col int, rows [][]string) columnType {
	isInt, isFloat, isBool, hasValue := true, true, true, false
	for _, row := range rows {
		value := strings.TrimSpace(row[col])
		if value == "" {
			continue
		}
		hasValue = true
		isInt = isInt && looksLikeInt(value)
		isFloat = isFloat && looksLikeFloat(value)
		isBool = isBool && looksLikeBool(value)
	}
	switch {
	case !hasValue:
		return columnString
	case isInt:
		return columnInteger
	case isFloat:
		return columnFloat
	case isBool:
		return columnBoolean
	default:
		return columnString
	}
}

func looksLikeInt(value string) bool {
	_, err := strconv.ParseInt(value, 10, 64)
	return err == nil
}

func looksLikeFloat(value string) bool {
	f, err := strconv.ParseFloat(value, 64)
	return err == nil && !math.IsInf(f, 0) && !math.IsNaN(f)
}

func looksLikeBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "false", "yes", "no":
		return true
	}
	return false
}

// rowFields converts one data row. Empty cells are left out so the
// datastore applies column defaults.
func rowFields(headers []string, types []columnType, row []string) (map[string]any, error) {
	fields := make(map[string]any, len(headers))
	for col, header := range headers {
		raw := strings.TrimSpace(row[col])
		if raw == "" {
			continue
		}
		value, err := coerceValue(types[col], raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", header, err)
		}
		fields[header] = value
	}
	if len(fields) == 0 {
		return nil, errors.New("row has no values")
	}
	return fields, nil
}

func coerceValue(t columnType, raw string) (any, error) {
	switch t {
	case columnInteger:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to integer", raw)
		}
		return i, nil
	case columnFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to float", raw)
		}
		return f, nil
	case columnBoolean:
		switch strings.ToLower(raw) {
		case "true", "yes":
			return true, nil
		case "false", "no":
			return false, nil
		}
		return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
	default:
		return raw, nil
	}
}
