package readapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adelard07/cloud-logging/internal/metrics"
)

// Handler exposes ReadAPI over HTTP: GET /logs/get and GET /logs/export.
type Handler struct {
	api *ReadAPI
}

// NewHandler builds a Handler.
func NewHandler(api *ReadAPI) *Handler {
	return &Handler{api: api}
}

// apiKeyFromQuery mirrors the original's "+ -> space" query repair:
// accepts either apikey or apiKey and turns back into '+' every space
// that query parsing made out of a literal (unencoded) '+'.
func apiKeyFromQuery(r *http.Request) string {
	key := r.URL.Query().Get("apikey")
	if key == "" {
		key = r.URL.Query().Get("apiKey")
	}
	return strings.ReplaceAll(key, " ", "+")
}

// List handles GET /logs/get.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.api.List(r.Context(), apiKeyFromQuery(r))
	if err != nil {
		metrics.RecordReadAPIRequest("list", outcomeFor(err))
		writeReadAPIError(w, err)
		return
	}
	metrics.RecordReadAPIRequest("list", "ok")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rows)
}

// Export handles GET /logs/export.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	var logID *string
	if v := r.URL.Query().Get("log_id"); v != "" {
		logID = &v
	}

	csvBytes, err := h.api.Export(r.Context(), apiKeyFromQuery(r), logID)
	if err != nil {
		metrics.RecordReadAPIRequest("export", outcomeFor(err))
		writeReadAPIError(w, err)
		return
	}
	metrics.RecordReadAPIRequest("export", "ok")

	filename := fmt.Sprintf("logs_export_%s.csv", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(csvBytes)
}

func outcomeFor(err error) string {
	if err == ErrUnauthorized {
		return "unauthorized"
	}
	return "error"
}

func writeReadAPIError(w http.ResponseWriter, err error) {
	if err == ErrUnauthorized {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
