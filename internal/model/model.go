// Package model defines the log record shape ingested, staged, and
// stored by this service, along with the tenant/API-key types that gate
// admission. The nested-section layout mirrors the wire schema in §6 of
// the service's data model.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ServerInfo identifies the process that produced a log record.
type ServerInfo struct {
	Hostname   string `json:"hostname,omitempty"`
	PortNumber int    `json:"portnumber,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

// RequestInfo carries request-scoped metadata for a log record.
type RequestInfo struct {
	SeverityLevel string `json:"severity_level,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	RequestType   string `json:"request_type,omitempty"`
	SuccessFlag   *bool  `json:"success_flag,omitempty"`
}

// MessageInfo holds the human-readable payload of a log record.
type MessageInfo struct {
	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
}

// Source holds free-form diagnostic and source mappings. Source is
// stamped with a tenant sub-object by IngestHandler before the record
// reaches the pipeline (§4.8).
//
// SourceData decodes as interface{} rather than map[string]interface{}
// because the wire format allows a tenant to submit any JSON value where
// source_info.source is expected; a non-mapping value is wrapped via
// WrapNonMapping before IngestHandler stamps the tenant into it.
type Source struct {
	Diagnostics map[string]interface{} `json:"diagnostics,omitempty"`
	SourceData  interface{}            `json:"source,omitempty"`
}

// LogRecord is a structured event submitted by a tenant. Every field
// other than Timestamp is optional.
type LogRecord struct {
	Timestamp     time.Time    `json:"timestamp"`
	EventType     string       `json:"event_type,omitempty"`
	EventName     string       `json:"event_name,omitempty"`
	EventCategory string       `json:"event_category,omitempty"`
	Version       string       `json:"version,omitempty"`
	ServerInfo    *ServerInfo  `json:"server_info,omitempty"`
	RequestInfo   *RequestInfo `json:"request_info,omitempty"`
	MessageInfo   *MessageInfo `json:"message_info,omitempty"`
	SourceInfo    *Source      `json:"source_info,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// NewLogRecord builds a LogRecord with Timestamp defaulted to now, the
// way the original model's Logs.timestamp field defaults at construction.
func NewLogRecord() *LogRecord {
	return &LogRecord{Timestamp: time.Now()}
}

// EnsureRequestID fills RequestInfo.RequestID with a freshly generated
// id if RequestInfo exists and the field is currently empty. Unlike the
// original model (which evaluated uuid.uuid4() once at class-definition
// time, fixing a single id across every record lacking one), this fills
// a distinct id per call.
func (r *LogRecord) EnsureRequestID() {
	if r.RequestInfo == nil {
		return
	}
	if r.RequestInfo.RequestID == "" {
		r.RequestInfo.RequestID = uuid.New().String()
	}
}

// EnsureSource makes sure SourceInfo exists and its SourceData holds a
// mapping, wrapping a non-mapping value per WrapNonMapping, then returns
// the mapping for the caller to mutate.
func (r *LogRecord) EnsureSource() map[string]interface{} {
	if r.SourceInfo == nil {
		r.SourceInfo = &Source{}
	}
	r.SourceInfo.SourceData = WrapNonMapping(r.SourceInfo.SourceData)
	return r.SourceInfo.SourceData.(map[string]interface{})
}

// WrapNonMapping implements invariant 2 of the data model: a scalar
// placed where source_info.source expects a mapping is wrapped as
// {"_source": <value>} before tenant stamping. A nil value becomes an
// empty mapping.
func WrapNonMapping(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"_source": v}
}

// Tenant is the logical owner of every ingested record: the application
// and server that authenticated the request.
type Tenant struct {
	AppID    string `json:"app_id"`
	ServerID string `json:"server_id"`
}

// StampTenant writes tenant = {app_id, server_id} into
// source_info.source, per §4.8 step 3.
func (r *LogRecord) StampTenant(t Tenant) {
	src := r.EnsureSource()
	src["tenant"] = map[string]interface{}{
		"app_id":    t.AppID,
		"server_id": t.ServerID,
	}
}

// DuplicateForFlattening implements §4.8 step 4: server_info and selected
// request_info fields are copied into source_info so downstream
// flattening (ReadAPI, ColdStore) sees them without consulting the
// original nested sections.
func (r *LogRecord) DuplicateForFlattening() {
	src := r.EnsureSource()
	if r.ServerInfo != nil {
		src["server"] = map[string]interface{}{
			"hostname": r.ServerInfo.Hostname,
			"port":     r.ServerInfo.PortNumber,
		}
	}
	if r.SourceInfo.Diagnostics == nil {
		r.SourceInfo.Diagnostics = make(map[string]interface{})
	}
	if r.RequestInfo != nil {
		r.SourceInfo.Diagnostics["request"] = map[string]interface{}{
			"request_id":   r.RequestInfo.RequestID,
			"request_type": r.RequestInfo.RequestType,
			"session_id":   r.RequestInfo.SessionID,
		}
	}
}

// APIKey is an opaque, authenticated-encrypted token bound to one
// (app_id, server_id) pair.
type APIKey string

// StagedEntry is a (record_id, LogRecord) pair held in the StagingCache.
// RecordID is distinct from the record's own RequestInfo.RequestID; it is
// generated fresh at the moment of staging.
type StagedEntry struct {
	RecordID string     `json:"record_id"`
	Record   *LogRecord `json:"record"`
}

// NewRecordID generates the fresh, staging-scoped identifier used by
// drainLocalToStage.
func NewRecordID() string {
	return uuid.New().String()
}

// ColdRow is the flattened projection of a LogRecord as stored in the
// columnar logs table. Nested values (diagnostics, source) stay decoded
// in Fields and are written as JSON text by Insert's literal encoder;
// Fields holds every column beyond the fixed id/timestamp pair so Insert can
// compute a union of keys across a heterogeneous batch.
type ColdRow struct {
	ID        string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// FlattenColdFields projects a decoded LogRecord (as produced by
// json.Unmarshal into map[string]interface{}, the shape staged entries
// come back in) onto the bit-exact `logs` table columns in §6:
// server_info/request_info/message_info are flattened by one level into
// their named columns, source_info.diagnostics and source_info.source
// are kept as nested values (the SQL literal encoder JSON-serializes
// them), and app_id is read explicitly from source.tenant.app_id rather
// than from any client-supplied top-level field, closing the original's
// inconsistently-populated app_id column.
func FlattenColdFields(raw map[string]interface{}) map[string]interface{} {
	fields := make(map[string]interface{})

	for _, col := range []string{"event_type", "event_name", "event_category"} {
		if v, ok := raw[col]; ok {
			fields[col] = v
		}
	}

	if si, ok := raw["server_info"].(map[string]interface{}); ok {
		assignIfPresent(fields, si, "hostname", "hostname")
		assignIfPresent(fields, si, "portnumber", "portnumber")
		assignIfPresent(fields, si, "api_key", "api_key")
	}

	if ri, ok := raw["request_info"].(map[string]interface{}); ok {
		assignIfPresent(fields, ri, "severity_level", "severity_level")
		assignIfPresent(fields, ri, "status_code", "status_code")
		assignIfPresent(fields, ri, "session_id", "session_id")
		assignIfPresent(fields, ri, "request_id", "request_id")
		assignIfPresent(fields, ri, "success_flag", "success_flag")
	}

	if mi, ok := raw["message_info"].(map[string]interface{}); ok {
		assignIfPresent(fields, mi, "message", "message")
		assignIfPresent(fields, mi, "description", "description")
	}

	if src, ok := raw["source_info"].(map[string]interface{}); ok {
		if diagnostics, ok := src["diagnostics"]; ok {
			fields["diagnostics"] = diagnostics
		}
		if source, ok := src["source"]; ok {
			fields["source"] = source
			fields["app_id"] = tenantAppID(source)
		}
	}

	return fields
}

// assignIfPresent copies src[key] into dst[column] only when the key is
// present, so absent optional fields stay absent (and serialize as
// SQL NULL) rather than becoming an explicit nil entry.
func assignIfPresent(dst, src map[string]interface{}, key, column string) {
	if v, ok := src[key]; ok {
		dst[column] = v
	}
}

// ColdRowFromRecord flattens an already-staged LogRecord onto the cold
// schema, the same projection entryToColdRow applies to a freshly
// staged entry. Used by the dead letter queue's reprocessing loop, which
// holds decoded StagedEntry values rather than raw staging cache bytes.
func ColdRowFromRecord(recordID string, record *LogRecord) (ColdRow, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return ColdRow{}, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ColdRow{}, err
	}
	return ColdRow{ID: recordID, Timestamp: record.Timestamp, Fields: FlattenColdFields(raw)}, nil
}

// tenantAppID reads source.tenant.app_id out of a decoded
// source_info.source value, returning "" if the tenant stamp is absent
// (e.g. a record that somehow reached ColdStore without passing through
// IngestHandler's tenant stamping).
func tenantAppID(source interface{}) string {
	sm, ok := source.(map[string]interface{})
	if !ok {
		return ""
	}
	tenant, ok := sm["tenant"].(map[string]interface{})
	if !ok {
		return ""
	}
	appID, _ := tenant["app_id"].(string)
	return appID
}
