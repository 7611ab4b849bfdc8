package ingestion

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/history"
	"github.com/rpattn/versionlog/internal/identity"
	"github.com/rpattn/versionlog/internal/repository"
)

func newTrackedService(t *testing.T) (*Service, *repository.MemoryStore) {
	t.Helper()
	registry := identity.NewRegistry()
	registry.MustRegister(identity.Kind{Tag: "widget", Table: "widgets", IDKind: domain.IDKindInt})
	store := repository.NewMemoryStore()
	tracker := history.NewTracker(store, registry, history.DefaultConfig())
	return NewService(tracker, registry, nil), store
}

func TestServiceIngestCSVRecordsOneVersionPerRow(t *testing.T) {
	service, store := newTrackedService(t)

	data := `Name,Qty,Active
Alice,3,yes

Bob,4,no
`
	summary, err := service.Ingest(context.Background(), Request{
		ItemType: "widget",
		FileName: "widgets.csv",
		Data:     strings.NewReader(data),
	})
	if err != nil {
		t.Fatalf("ingest returned error: %v", err)
	}
	if summary.TotalRows != 2 || summary.ValidRows != 2 || summary.InvalidRows != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.VersionIDs) != 2 || summary.VersionIDs[0] != 1 || summary.VersionIDs[1] != 2 {
		t.Fatalf("unexpected version ids: %v", summary.VersionIDs)
	}

	versions, err := store.ListVersions(context.Background(), repository.VersionFilter{ItemType: "widget"})
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	first := versions[0]
	if first.Event != domain.EventCreated {
		t.Fatalf("expected created event, got %s", first.Event)
	}
	if first.ItemChanges["name"] != "Alice" || first.ItemChanges["active"] != true {
		t.Fatalf("unexpected item changes: %#v", first.ItemChanges)
	}
	if first.Origin == nil || *first.Origin != ImportOrigin {
		t.Fatalf("expected origin %q, got %v", ImportOrigin, first.Origin)
	}
	if first.Meta["import_file"] != "widgets.csv" {
		t.Fatalf("unexpected meta: %#v", first.Meta)
	}
}

func TestServiceIngestExcel(t *testing.T) {
	service, _ := newTrackedService(t)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	_ = f.SetCellValue(sheet, "A1", "name")
	_ = f.SetCellValue(sheet, "B1", "price")
	_ = f.SetCellValue(sheet, "A2", "bolt")
	_ = f.SetCellValue(sheet, "B2", "0.25")
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	summary, err := service.Ingest(context.Background(), Request{
		ItemType: "widget",
		FileName: "widgets.xlsx",
		Data:     bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		t.Fatalf("ingest returned error: %v", err)
	}
	if summary.ValidRows != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

type failingInserter struct {
	calls int
}

func (f *failingInserter) Insert(_ context.Context, record domain.Record, _ history.WriteOptions) (history.Result, error) {
	f.calls++
	if record.Fields()["name"] == "bad" {
		return history.Result{}, domain.Errorf(domain.WriteError, "insert", "constraint violated")
	}
	return history.Result{Entity: record, Version: domain.Version{ID: int64(f.calls)}}, nil
}

func TestServiceIngestReportsRowErrors(t *testing.T) {
	registry := identity.NewRegistry()
	registry.MustRegister(identity.Kind{Tag: "widget", Table: "widgets", IDKind: domain.IDKindInt})
	inserter := &failingInserter{}
	service := NewService(inserter, registry, nil)

	summary, err := service.Ingest(context.Background(), Request{
		ItemType: "widget",
		FileName: "widgets.csv",
		Data:     strings.NewReader("name\nok\nbad\nfine\n"),
	})
	if err != nil {
		t.Fatalf("ingest returned error: %v", err)
	}
	if summary.ValidRows != 2 || summary.InvalidRows != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.RowErrors) != 1 || summary.RowErrors[0].Row != 2 {
		t.Fatalf("unexpected row errors: %+v", summary.RowErrors)
	}
	if inserter.calls != 3 {
		t.Fatalf("expected every row to be attempted, got %d calls", inserter.calls)
	}
}

func TestServiceIngestRejectsUnknownKind(t *testing.T) {
	service, _ := newTrackedService(t)

	_, err := service.Ingest(context.Background(), Request{
		ItemType: "gadget",
		FileName: "gadgets.csv",
		Data:     strings.NewReader("name\nx\n"),
	})
	if !errors.Is(err, domain.ErrUnknownKind) {
		t.Fatalf("expected unknown kind error, got %v", err)
	}

	_, err = service.Ingest(context.Background(), Request{
		ItemType: "widget",
		FileName: "empty.csv",
		Data:     strings.NewReader("\n\n"),
	})
	if err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestSanitizeHeaders(t *testing.T) {
	got := sanitizeHeaders([]string{" Unit Price ", "unit-price", "", "a.b"})
	want := []string{"unit_price", "unit_price_2", "column_3", "a_b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("header %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestHTTPHandler(t *testing.T) {
	service, _ := newTrackedService(t)
	handler := NewHTTPHandler(service)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("itemType", "widget")
	part, err := writer.CreateFormFile("file", "widgets.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("name\nalpha\n"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/imports", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"validRows": 1`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/imports", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHTTPHandlerLogsFailedImports(t *testing.T) {
	registry := identity.NewRegistry()
	registry.MustRegister(identity.Kind{Tag: "widget", Table: "widgets", IDKind: domain.IDKindInt})
	core, logs := observer.New(zap.WarnLevel)
	service := NewService(history.NewTracker(repository.NewMemoryStore(), registry, history.DefaultConfig()), registry, zap.New(core))
	handler := NewHTTPHandler(service)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("itemType", "gadget")
	part, err := writer.CreateFormFile("file", "gadgets.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("name\nalpha\n"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/imports", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	entries := logs.FilterMessage("import failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["item_type"]; got != "gadget" {
		t.Fatalf("unexpected item_type field: %v", got)
	}
}
