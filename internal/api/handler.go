// Package api serves version history over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/export"
	"github.com/rpattn/versionlog/internal/history"
	"github.com/rpattn/versionlog/internal/middleware"
)

// Query parameters consumed by the handler itself. Every other parameter is
// passed to the engine as a query option.
const (
	paramItemType       = "item_type"
	paramItemID         = "item_id"
	paramEvent          = "event"
	paramOriginatorID   = "originator_id"
	paramFormat         = "format"
	paramIncludeCurrent = "include_current"
	paramAt             = "at"
	paramVersionID      = "version_id"
	paramFrom           = "from"
	paramTo             = "to"
)

var reservedParams = map[string]struct{}{
	paramItemType: {}, paramItemID: {}, paramEvent: {}, paramOriginatorID: {},
	paramFormat: {}, paramIncludeCurrent: {}, paramAt: {}, paramVersionID: {},
	paramFrom: {}, paramTo: {},
}

// Handler routes history requests to the engine and, for restores, the tracker.
type Handler struct {
	engine  *history.Engine
	tracker *history.Tracker
	logger  *zap.Logger
	mux     *http.ServeMux
}

// NewHandler builds the history routes. tracker may be nil, in which case
// restores are not served.
func NewHandler(engine *history.Engine, tracker *history.Tracker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{engine: engine, tracker: tracker, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /versions", h.handleList)
	h.mux.HandleFunc("GET /versions/latest", h.handleLatest)
	h.mux.HandleFunc("GET /versions/{id}", h.handleGet)
	h.mux.HandleFunc("GET /versions/{id}/current", h.handleCurrent)
	h.mux.HandleFunc("GET /snapshots", h.handleSnapshot)
	h.mux.HandleFunc("GET /diff", h.handleDiff)
	if tracker != nil {
		h.mux.HandleFunc("POST /versions/{id}/restore", h.handleRestore)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type versionResponse struct {
	ID           int64           `json:"id"`
	Event        domain.Event    `json:"event"`
	ItemType     string          `json:"itemType"`
	ItemIDKind   *domain.IDKind  `json:"itemIdKind"`
	ItemID       *string         `json:"itemId"`
	ItemChanges  map[string]any  `json:"itemChanges"`
	OriginatorID *string         `json:"originatorId"`
	Origin       *string         `json:"origin"`
	Meta         map[string]any  `json:"meta,omitempty"`
	Scope        *string         `json:"scope"`
	InsertedAt   time.Time       `json:"insertedAt"`
	Current      json.RawMessage `json:"current,omitempty"`
}

type snapshotResponse struct {
	ItemType   string         `json:"itemType"`
	ItemID     *string        `json:"itemId"`
	VersionID  int64          `json:"versionId"`
	Event      domain.Event   `json:"event"`
	InsertedAt time.Time      `json:"insertedAt"`
	Deleted    bool           `json:"deleted"`
	Fields     map[string]any `json:"fields"`
}

type restoreResponse struct {
	Entity  map[string]any  `json:"entity"`
	Version versionResponse `json:"version"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts, ok := h.queryOptions(w, r)
	if !ok {
		return
	}

	itemType := strings.TrimSpace(query.Get(paramItemType))
	itemID := strings.TrimSpace(query.Get(paramItemID))
	var (
		versions []domain.Version
		err      error
		name     string
	)
	switch {
	case itemID != "":
		if itemType == "" {
			http.Error(w, "item_type is required with item_id", http.StatusBadRequest)
			return
		}
		versions, err = h.engine.ListVersionsOf(r.Context(), itemType, itemID, opts...)
		name = itemType + "-" + itemID
	case query.Get(paramEvent) != "":
		event, parseErr := domain.ParseEvent(query.Get(paramEvent))
		if parseErr != nil {
			http.Error(w, parseErr.Error(), http.StatusBadRequest)
			return
		}
		versions, err = h.engine.ListByEvent(r.Context(), event, itemType, opts...)
		name = string(event)
	case query.Get(paramOriginatorID) != "":
		versions, err = h.engine.ListByOriginator(r.Context(), query.Get(paramOriginatorID), opts...)
		name = "originator-" + query.Get(paramOriginatorID)
	case itemType != "":
		versions, err = h.engine.ListByType(r.Context(), itemType, opts...)
		name = itemType
	default:
		http.Error(w, "one of item_type, event or originator_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	if raw := query.Get(paramFormat); raw != "" && raw != "json" {
		h.writeExport(w, raw, name, versions)
		return
	}

	payload := make([]versionResponse, len(versions))
	for i, v := range versions {
		payload[i] = toVersionResponse(v)
	}
	if includeCurrent(query.Get(paramIncludeCurrent)) {
		records, err := h.currentEntities(r.Context(), versions)
		if err != nil {
			h.writeError(w, err)
			return
		}
		for i, record := range records {
			if payload[i].Current, err = encodeEntity(record); err != nil {
				h.writeError(w, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	itemType, itemID, ok := requireRef(w, r)
	if !ok {
		return
	}
	opts, ok := h.queryOptions(w, r)
	if !ok {
		return
	}
	version, err := h.engine.LatestVersionOf(r.Context(), itemType, itemID, opts...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if version == nil {
		http.Error(w, "no versions recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toVersionResponse(*version))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	version, ok := h.loadVersion(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toVersionResponse(version))
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	version, ok := h.loadVersion(w, r)
	if !ok {
		return
	}
	records, err := h.currentEntities(r.Context(), []domain.Version{version})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records[0] == nil {
		http.Error(w, "entity no longer exists", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, records[0].Fields())
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	itemType, itemID, ok := requireRef(w, r)
	if !ok {
		return
	}
	opts, ok := h.queryOptions(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()

	var (
		snapshot *domain.Snapshot
		err      error
	)
	switch {
	case query.Get(paramVersionID) != "":
		versionID, parseErr := strconv.ParseInt(query.Get(paramVersionID), 10, 64)
		if parseErr != nil {
			http.Error(w, "version_id must be an integer", http.StatusBadRequest)
			return
		}
		snapshot, err = h.engine.SnapshotAtVersion(r.Context(), itemType, itemID, versionID, opts...)
	case query.Get(paramAt) != "":
		at, parseErr := time.Parse(time.RFC3339Nano, query.Get(paramAt))
		if parseErr != nil {
			http.Error(w, "at must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		snapshot, err = h.engine.SnapshotAt(r.Context(), itemType, itemID, at, opts...)
	default:
		http.Error(w, "one of at or version_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	if snapshot == nil {
		http.Error(w, "no versions recorded by then", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotResponse(*snapshot))
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	itemType, itemID, ok := requireRef(w, r)
	if !ok {
		return
	}
	opts, ok := h.queryOptions(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	from, err := strconv.ParseInt(query.Get(paramFrom), 10, 64)
	if err != nil {
		http.Error(w, "from must be a version id", http.StatusBadRequest)
		return
	}
	to, err := strconv.ParseInt(query.Get(paramTo), 10, 64)
	if err != nil {
		http.Error(w, "to must be a version id", http.StatusBadRequest)
		return
	}
	diff, err := h.engine.Diff(r.Context(), itemType, itemID, from, to, opts...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-diff; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diff))
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	version, ok := h.loadVersion(w, r)
	if !ok {
		return
	}
	if version.ItemID == nil {
		http.Error(w, "version has no item id", http.StatusConflict)
		return
	}
	result, err := h.tracker.Restore(r.Context(), version.ItemType, version.ItemID.Value(), version.ID, history.WriteOptions{})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, restoreResponse{
		Entity:  result.Entity.Fields(),
		Version: toVersionResponse(result.Version),
	})
}

func (h *Handler) loadVersion(w http.ResponseWriter, r *http.Request) (domain.Version, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "version id must be a positive integer", http.StatusBadRequest)
		return domain.Version{}, false
	}
	version, err := h.engine.GetVersion(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return domain.Version{}, false
	}
	return version, true
}

// queryOptions parses every non-reserved query parameter as an engine option.
func (h *Handler) queryOptions(w http.ResponseWriter, r *http.Request) ([]history.QueryOption, bool) {
	values := map[string]string{}
	for key, list := range r.URL.Query() {
		if _, reserved := reservedParams[key]; reserved || len(list) == 0 {
			continue
		}
		values[key] = list[len(list)-1]
	}
	opts, err := h.engine.ParseOptions(values)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return opts, true
}

func (h *Handler) currentEntities(ctx context.Context, versions []domain.Version) ([]domain.Record, error) {
	if loader := middleware.EntityLoaderFromContext(ctx); loader != nil {
		return loader.LoadMany(ctx, versions)
	}
	return h.engine.CurrentEntities(ctx, versions)
}

func (h *Handler) writeExport(w http.ResponseWriter, rawFormat, name string, versions []domain.Version) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", format.FileName(name)))
	if _, err := export.Write(w, format, versions); err != nil {
		h.logger.Error("export failed", zap.String("format", string(format)), zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("history request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.NotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.InvalidOption),
		domain.IsKind(err, domain.UnknownKind),
		domain.IsKind(err, domain.EncodingError):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.WriteError):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func requireRef(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	query := r.URL.Query()
	itemType := strings.TrimSpace(query.Get(paramItemType))
	itemID := strings.TrimSpace(query.Get(paramItemID))
	if itemType == "" || itemID == "" {
		http.Error(w, "item_type and item_id are required", http.StatusBadRequest)
		return "", "", false
	}
	return itemType, itemID, true
}

func includeCurrent(raw string) bool {
	include, err := strconv.ParseBool(raw)
	return err == nil && include
}

func encodeEntity(record domain.Record) (json.RawMessage, error) {
	if record == nil {
		return json.RawMessage("null"), nil
	}
	encoded, err := json.Marshal(record.Fields())
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	return encoded, nil
}

func toVersionResponse(v domain.Version) versionResponse {
	resp := versionResponse{
		ID:           v.ID,
		Event:        v.Event,
		ItemType:     v.ItemType,
		ItemChanges:  map[string]any(v.ItemChanges),
		OriginatorID: v.OriginatorID,
		Origin:       v.Origin,
		Meta:         v.Meta,
		Scope:        v.Scope,
		InsertedAt:   v.InsertedAt,
	}
	if resp.ItemChanges == nil {
		resp.ItemChanges = map[string]any{}
	}
	if v.ItemID != nil {
		kind, id := v.ItemID.Kind, v.ItemID.String()
		resp.ItemIDKind, resp.ItemID = &kind, &id
	}
	return resp
}

func toSnapshotResponse(s domain.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		ItemType:   s.ItemType,
		VersionID:  s.VersionID,
		Event:      s.Event,
		InsertedAt: s.InsertedAt,
		Deleted:    s.Deleted(),
		Fields:     s.Fields,
	}
	if resp.Fields == nil {
		resp.Fields = map[string]any{}
	}
	if s.ItemID != nil {
		id := s.ItemID.String()
		resp.ItemID = &id
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
