// Package export renders version history as CSV or XLSX files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/versionlog/internal/domain"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// SheetName is the worksheet that holds versions in an XLSX export.
const SheetName = "versions"

// Columns is the header row of every export.
var Columns = []string{
	"id", "event", "item_type", "item_id_kind", "item_id", "item_changes",
	"originator_id", "origin", "scope", "meta", "inserted_at",
}

// ParseFormat converts a query value into a Format. Empty means CSV.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported export format %q", value)
}

// ContentType is the MIME type served for f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// FileName builds the download name for an export of base.
func (f Format) FileName(base string) string {
	return fmt.Sprintf("%s.%s", sanitizeFileComponent(base), f)
}

// Write renders versions to w in format and returns the bytes written.
func Write(w io.Writer, format Format, versions []domain.Version) (int64, error) {
	counter := &countingWriter{writer: w}
	var err error
	switch format {
	case FormatCSV:
		err = writeCSV(counter, versions)
	case FormatXLSX:
		err = writeXLSX(counter, versions)
	default:
		err = fmt.Errorf("unsupported export format %q", format)
	}
	return counter.count, err
}

func writeCSV(w io.Writer, versions []domain.Version) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, version := range versions {
		record, err := row(version)
		if err != nil {
			return err
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, versions []domain.Version) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	header := make([]interface{}, len(Columns))
	for i, column := range Columns {
		header[i] = column
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}
	for i, version := range versions {
		record, err := row(version)
		if err != nil {
			return err
		}
		cells := make([]interface{}, len(record))
		for j, value := range record {
			cells[j] = value
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return fmt.Errorf("write xlsx row: %w", err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush xlsx: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func row(v domain.Version) ([]string, error) {
	changes, err := formatJSON(map[string]any(v.ItemChanges))
	if err != nil {
		return nil, fmt.Errorf("encode item_changes of version %d: %w", v.ID, err)
	}
	var meta string
	if v.Meta != nil {
		if meta, err = formatJSON(v.Meta); err != nil {
			return nil, fmt.Errorf("encode meta of version %d: %w", v.ID, err)
		}
	}
	var idKind, id string
	if v.ItemID != nil {
		idKind, id = string(v.ItemID.Kind), v.ItemID.String()
	}
	return []string{
		strconv.FormatInt(v.ID, 10),
		string(v.Event),
		v.ItemType,
		idKind,
		id,
		changes,
		formatValue(v.OriginatorID),
		formatValue(v.Origin),
		formatValue(v.Scope),
		meta,
		formatValue(v.InsertedAt),
	}, nil
}

func formatJSON(value map[string]any) (string, error) {
	if value == nil {
		value = map[string]any{}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

type countingWriter struct {
	writer io.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func sanitizeFileComponent(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "versions"
	}
	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
