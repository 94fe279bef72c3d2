package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNonMappingPassesThroughMap(t *testing.T) {
	m := map[string]interface{}{"a": 1}
	got := WrapNonMapping(m)
	assert.Equal(t, m, got)
}

func TestWrapNonMappingWrapsScalar(t *testing.T) {
	got := WrapNonMapping("plain-string")
	assert.Equal(t, map[string]interface{}{"_source": "plain-string"}, got)
}

func TestWrapNonMappingWrapsNilAsEmptyMap(t *testing.T) {
	got := WrapNonMapping(nil)
	assert.Equal(t, map[string]interface{}{}, got)
}

func TestStampTenantOnNonMappingSource(t *testing.T) {
	r := NewLogRecord()
	r.SourceInfo = &Source{SourceData: "raw-string-source"}

	r.StampTenant(Tenant{AppID: "app-1", ServerID: "srv-1"})

	data := r.SourceInfo.SourceData.(map[string]interface{})
	assert.Equal(t, "raw-string-source", data["_source"])
	tenant := data["tenant"].(map[string]interface{})
	assert.Equal(t, "app-1", tenant["app_id"])
	assert.Equal(t, "srv-1", tenant["server_id"])
}

func TestDuplicateForFlatteningCopiesServerAndRequestInfo(t *testing.T) {
	r := NewLogRecord()
	r.ServerInfo = &ServerInfo{Hostname: "h1", PortNumber: 9000}
	r.RequestInfo = &RequestInfo{RequestID: "req-1", RequestType: "GET", SessionID: "sess-1"}

	r.DuplicateForFlattening()

	data := r.SourceInfo.SourceData.(map[string]interface{})
	server := data["server"].(map[string]interface{})
	assert.Equal(t, "h1", server["hostname"])
	assert.Equal(t, 9000, server["port"])

	request := r.SourceInfo.Diagnostics["request"].(map[string]interface{})
	assert.Equal(t, "req-1", request["request_id"])
	assert.Equal(t, "GET", request["request_type"])
}

func TestEnsureRequestIDFillsOnlyWhenEmpty(t *testing.T) {
	r := NewLogRecord()
	r.RequestInfo = &RequestInfo{}
	r.EnsureRequestID()
	assert.NotEmpty(t, r.RequestInfo.RequestID)

	existing := r.RequestInfo.RequestID
	r.EnsureRequestID()
	assert.Equal(t, existing, r.RequestInfo.RequestID)
}

func TestEnsureRequestIDNoopWithoutRequestInfo(t *testing.T) {
	r := NewLogRecord()
	r.EnsureRequestID()
	assert.Nil(t, r.RequestInfo)
}

func TestFlattenColdFieldsProjectsOntoSchemaColumns(t *testing.T) {
	raw := map[string]interface{}{
		"event_type": "auth",
		"server_info": map[string]interface{}{
			"hostname":   "h1",
			"portnumber": float64(9000),
		},
		"request_info": map[string]interface{}{
			"severity_level": "info",
			"request_id":     "req-1",
		},
		"message_info": map[string]interface{}{
			"message": "hello",
		},
		"source_info": map[string]interface{}{
			"diagnostics": map[string]interface{}{"request": map[string]interface{}{"request_id": "req-1"}},
			"source": map[string]interface{}{
				"tenant": map[string]interface{}{"app_id": "app-1", "server_id": "srv-1"},
			},
		},
	}

	fields := FlattenColdFields(raw)

	assert.Equal(t, "auth", fields["event_type"])
	assert.Equal(t, "h1", fields["hostname"])
	assert.Equal(t, float64(9000), fields["portnumber"])
	assert.Equal(t, "info", fields["severity_level"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "hello", fields["message"])
	assert.Equal(t, "app-1", fields["app_id"])
	assert.NotContains(t, fields, "server_info")
	assert.NotContains(t, fields, "source_info")
}

func TestFlattenColdFieldsOmitsAbsentOptionalColumns(t *testing.T) {
	fields := FlattenColdFields(map[string]interface{}{"event_name": "ping"})
	assert.Equal(t, "ping", fields["event_name"])
	_, hasHostname := fields["hostname"]
	assert.False(t, hasHostname)
	_, hasAppID := fields["app_id"]
	assert.False(t, hasAppID)
}

func TestLogRecordRoundTripsThroughJSONWithScalarSource(t *testing.T) {
	raw := []byte(`{"timestamp":"2024-01-01T00:00:00Z","source_info":{"source":"plain"}}`)
	var r LogRecord
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, "plain", r.SourceInfo.SourceData)
}
