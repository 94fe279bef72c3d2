// Package readapi implements the read-only fetch/export surface over
// ColdStore: listing flattened log rows as JSON and rendering them as a
// CSV export, both gated by the same Authenticator used at ingest time.
package readapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/adelard07/cloud-logging/internal/coldstore"
	"github.com/adelard07/cloud-logging/internal/model"
)

// Authenticator is the subset of the Authenticator component ReadAPI
// depends on. Unlike the original source's export endpoint, a valid key
// must succeed here, not fail: Validate's ok return is honored directly.
type Authenticator interface {
	Validate(ctx context.Context, apiKey string) (model.Tenant, bool, error)
}

// ColdFetcher is the subset of the ColdStore adapter ReadAPI depends on.
type ColdFetcher interface {
	Fetch(ctx context.Context, ids ...string) ([]coldstore.Row, error)
}

// FlatLogRecord is a single stored log row with its nested sections
// flattened by one level, ready for JSON or CSV rendering.
type FlatLogRecord map[string]interface{}

// ReadAPI implements List and Export.
type ReadAPI struct {
	auth Authenticator
	cold ColdFetcher
}

// New builds a ReadAPI.
func New(auth Authenticator, cold ColdFetcher) *ReadAPI {
	return &ReadAPI{auth: auth, cold: cold}
}

// ErrUnauthorized is returned by List/Export when the API key is missing
// or invalid.
var ErrUnauthorized = fmt.Errorf("invalid or missing API key")

// sourceColumn is the ColdStore column whose nested mapping
// (source_info.source, stamped with tenant/server by IngestHandler)
// flattenRow expands into top-level keys; any other column that decodes
// to a mapping, such as diagnostics, is stringified in place instead.
const sourceColumn = "source"

// List validates apiKey, fetches every stored row, and flattens it.
func (r *ReadAPI) List(ctx context.Context, apiKey string) ([]FlatLogRecord, error) {
	if _, ok, err := r.auth.Validate(ctx, apiKey); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrUnauthorized
	}

	rows, err := r.cold.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	flat := make([]FlatLogRecord, 0, len(rows))
	for _, row := range rows {
		flat = append(flat, flattenRow(row))
	}
	return flat, nil
}

// Export validates apiKey, fetches either every row or a single row by
// id, and renders the flattened result as CSV bytes with a header row
// derived from the union of keys across the result set.
func (r *ReadAPI) Export(ctx context.Context, apiKey string, logID *string) ([]byte, error) {
	if _, ok, err := r.auth.Validate(ctx, apiKey); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrUnauthorized
	}

	var rows []coldstore.Row
	var err error
	if logID != nil && *logID != "" {
		rows, err = r.cold.Fetch(ctx, *logID)
	} else {
		rows, err = r.cold.Fetch(ctx)
	}
	if err != nil {
		return nil, err
	}

	flat := make([]FlatLogRecord, 0, len(rows))
	for _, row := range rows {
		flat = append(flat, flattenRow(row))
	}

	return renderCSV(flat)
}

// flattenRow implements _flatten_column: the source column is expanded
// into individual top-level columns (tenant, server, ...), and any
// remaining nested mapping value (e.g. diagnostics) is stringified so
// every field survives as a readable CSV/JSON scalar value.
func flattenRow(row coldstore.Row) FlatLogRecord {
	flat := FlatLogRecord{}
	for k, v := range row {
		flat[k] = v
	}

	if nested, ok := flat[sourceColumn].(map[string]interface{}); ok {
		delete(flat, sourceColumn)
		for key, value := range nested {
			if sub, ok := value.(map[string]interface{}); ok {
				flat[key] = stringifyMap(sub)
			} else {
				flat[key] = value
			}
		}
	}

	for key, value := range flat {
		if sub, ok := value.(map[string]interface{}); ok {
			flat[key] = stringifyMap(sub)
		}
	}

	return flat
}

func stringifyMap(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", k, m[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// renderCSV builds a CSV document whose header is the sorted union of
// keys across every row, mirroring ColdStore.Insert's own union-of-keys
// convention for heterogeneous batches.
func renderCSV(rows []FlatLogRecord) ([]byte, error) {
	columnSet := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			columnSet[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(columnSet))
	for k := range columnSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(columns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col]; ok && v != nil {
				record[i] = fmt.Sprintf("%v", v)
			}
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
