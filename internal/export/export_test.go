package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/versionlog/internal/domain"
)

func sampleVersions() []domain.Version {
	id := domain.IntID(42)
	originator := "user-1"
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []domain.Version{
		{
			ID:           1,
			Event:        domain.EventCreated,
			ItemType:     "widget",
			ItemID:       &id,
			ItemChanges:  domain.ItemChanges{"name": "a, \"quoted\""},
			OriginatorID: &originator,
			InsertedAt:   at,
		},
		{
			ID:          2,
			Event:       domain.EventUpdated,
			ItemType:    "widget",
			ItemID:      &id,
			ItemChanges: domain.ItemChanges{},
			Meta:        map[string]any{"ticket": "T-1"},
			InsertedAt:  at.Add(time.Second),
		},
	}
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)

	format, err = ParseFormat(" XLSX ")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, format)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestFormatMetadata(t *testing.T) {
	assert.Equal(t, "text/csv", FormatCSV.ContentType())
	assert.Contains(t, FormatXLSX.ContentType(), "spreadsheetml")
	assert.Equal(t, "widget-42.csv", FormatCSV.FileName("widget#42"))
	assert.Equal(t, "versions.xlsx", FormatXLSX.FileName(" "))
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	n, err := Write(&buf, FormatCSV, sampleVersions())
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, Columns, records[0])
	assert.Equal(t, []string{
		"1", "created", "widget", "int", "42", `{"name":"a, \"quoted\""}`,
		"user-1", "", "", "", "2024-05-01T12:00:00Z",
	}, records[1])
	assert.Equal(t, "{}", records[2][5])
	assert.Equal(t, `{"ticket":"T-1"}`, records[2][9])
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	_, err := Write(&buf, FormatXLSX, sampleVersions())
	require.NoError(t, err)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, "widget", rows[1][2])
	assert.Equal(t, "updated", rows[2][1])
}

func TestWriteRejectsUnknownFormat(t *testing.T) {
	_, err := Write(&bytes.Buffer{}, Format("pdf"), nil)
	assert.Error(t, err)
}
