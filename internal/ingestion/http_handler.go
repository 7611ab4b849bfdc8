package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Handler exposes ingestion as an HTTP endpoint.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHTTPHandler wraps the service with a POST endpoint. Failures are logged
// with the service's logger.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service, logger: service.logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	itemType := strings.TrimSpace(r.FormValue("itemType"))
	if itemType == "" {
		http.Error(w, "itemType is required", http.StatusBadRequest)
		return
	}

	summary, err := h.service.Ingest(r.Context(), Request{
		ItemType: itemType,
		FileName: header.Filename,
		Data:     file,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Warn("import failed",
			zap.String("item_type", itemType),
			zap.String("file", header.Filename),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
