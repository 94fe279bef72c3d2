// Package ingest implements the HTTP surface over IngestionPipeline: API
// key enforcement, tenant stamping, and the JSON request/response
// envelope described in §4.8.
package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adelard07/cloud-logging/internal/metrics"
	"github.com/adelard07/cloud-logging/internal/model"
)

// Authenticator is the subset of the Authenticator component the
// handler depends on.
type Authenticator interface {
	Validate(ctx context.Context, apiKey string) (model.Tenant, bool, error)
}

// Pipeline is the subset of IngestionPipeline the handler depends on.
type Pipeline interface {
	Ingest(ctx context.Context, record *model.LogRecord) *model.LogRecord
}

// Handler implements POST /logging/ingest.
type Handler struct {
	auth     Authenticator
	pipeline Pipeline
	logger   *logrus.Logger
}

// New builds a Handler.
func New(auth Authenticator, pipeline Pipeline, logger *logrus.Logger) *Handler {
	return &Handler{auth: auth, pipeline: pipeline, logger: logger}
}

// apiKeyHeader is the header carrying the tenant's API key.
const apiKeyHeader = "X-API-Key"

// ServeHTTP implements §4.8 steps 1-6.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	apiKey := r.Header.Get(apiKeyHeader)
	if apiKey == "" {
		apiKey = r.URL.Query().Get("apikey")
	}
	if apiKey == "" {
		metrics.RecordIngest("unauthorized")
		writeJSONError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	tenant, ok, err := h.auth.Validate(ctx, apiKey)
	if err != nil {
		metrics.RecordAuthValidation("error")
		metrics.RecordIngest("malformed")
		h.logger.WithError(err).Error("ingest: authenticator failed")
		writeJSONError(w, http.StatusBadRequest, "authentication unavailable")
		return
	}
	if !ok {
		metrics.RecordAuthValidation("rejected")
		metrics.RecordIngest("forbidden")
		writeJSONError(w, http.StatusForbidden, "invalid API key")
		return
	}
	metrics.RecordAuthValidation("accepted")

	var record model.LogRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		metrics.RecordIngest("malformed")
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	record.EnsureRequestID()
	stampRecord(&record, tenant)

	ingested := h.pipeline.Ingest(ctx, &record)
	metrics.RecordIngest("ok")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "log ingested",
		"tenant":     tenant,
		"log_object": ingested,
	})
}

// stampRecord implements §4.8 steps 3-4: StampTenant wraps a non-mapping
// source_info.source value per WrapNonMapping before writing the tenant
// sub-object; DuplicateForFlattening then copies server_info/request_info
// into source_info for downstream flattening.
func stampRecord(record *model.LogRecord, tenant model.Tenant) {
	record.StampTenant(tenant)
	record.DuplicateForFlattening()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
