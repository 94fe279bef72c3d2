// Package coldstore implements the durable columnar store adapter:
// batched multi-row inserts over the union of keys present in a
// heterogeneous batch, and fetch/delete by id. SQL is composed as
// literal text (rather than parameter-bound) to support the
// union-of-keys insert shape, so every value that reaches a query must
// pass through toSQLLiteral first.
package coldstore

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/adelard07/cloud-logging/internal/model"
	apperrors "github.com/adelard07/cloud-logging/pkg/errors"
)

// Config holds the ClickHouse connection parameters.
type Config struct {
	Host     string
	Database string
	Username string
	Password string
	Secure   bool
}

// Store is the ColdStore adapter backed by ClickHouse.
type Store struct {
	db *sql.DB
}

// New builds a Store over an already-opened *sql.DB, letting callers
// share a connection pool or substitute a test double.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open dials ClickHouse using the given connection parameters.
func Open(cfg Config) *Store {
	return New(OpenDB(cfg))
}

// OpenDB dials ClickHouse and returns the raw *sql.DB, for callers (such
// as the migrator) that need to share the connection with code outside
// this package.
func OpenDB(cfg Config) *sql.DB {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Host},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if cfg.Secure {
		opts.TLS = &tls.Config{}
	}
	return clickhouse.OpenDB(opts)
}

// toSQLLiteral renders v as a literal SQL token per the encoding rules:
// null -> NULL; map/slice -> JSON text; time.Time -> ISO-8601 seconds
// precision; everything else -> quoted string with \ and ' escaped.
func toSQLLiteral(v interface{}) string {
	if v == nil {
		return "NULL"
	}

	switch val := v.(type) {
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return "NULL"
		}
		return quoteSQL(string(data))
	case time.Time:
		return quoteSQL(val.Format("2006-01-02 15:04:05"))
	default:
		return quoteSQL(fmt.Sprintf("%v", val))
	}
}

func quoteSQL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// rowToFields flattens a ColdRow's Fields plus its log_id/timestamp into
// one map for union-of-keys column computation.
func rowToFields(row model.ColdRow) map[string]interface{} {
	fields := make(map[string]interface{}, len(row.Fields)+2)
	for k, v := range row.Fields {
		fields[k] = v
	}
	fields["log_id"] = row.ID
	fields["timestamp"] = row.Timestamp
	return fields
}

// Insert accepts a heterogeneous batch, computes the union of keys
// across rows, and issues one multi-row INSERT over that union; columns
// absent from a given row are encoded as SQL NULL. Returns the number of
// rows accepted — len(batch) on full success, 0 on any query failure.
func (s *Store) Insert(ctx context.Context, batch []model.ColdRow) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	rows := make([]map[string]interface{}, len(batch))
	keySet := make(map[string]struct{})
	for i, row := range batch {
		rows[i] = rowToFields(row)
		for k := range rows[i] {
			keySet[k] = struct{}{}
		}
	}

	columns := make([]string, 0, len(keySet))
	for k := range keySet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	valueRows := make([]string, len(rows))
	for i, fields := range rows {
		vals := make([]string, len(columns))
		for j, col := range columns {
			vals[j] = toSQLLiteral(fields[col])
		}
		valueRows[i] = "(" + strings.Join(vals, ", ") + ")"
	}

	query := fmt.Sprintf("INSERT INTO logs (%s) VALUES %s",
		strings.Join(columns, ", "), strings.Join(valueRows, ", "))

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return 0, apperrors.ColdStoreError("insert", "failed to insert batch").
			WithMetadata("batch_size", len(batch)).Wrap(err)
	}

	return len(batch), nil
}

// Row is a fetched record, keyed by the columnar table's column names.
// Values that parsed as JSON objects/arrays at insert time are decoded
// back into maps/slices; everything else stays a string.
type Row map[string]interface{}

// Fetch returns rows ordered by timestamp descending. An empty ids list
// means "all rows".
func (s *Store) Fetch(ctx context.Context, ids ...string) ([]Row, error) {
	query := "SELECT * FROM logs"
	if len(ids) > 0 {
		quoted := make([]string, len(ids))
		for i, id := range ids {
			quoted[i] = quoteSQL(id)
		}
		query += fmt.Sprintf(" WHERE log_id IN (%s)", strings.Join(quoted, ", "))
	}
	query += " ORDER BY timestamp DESC"

	sqlRows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.ColdStoreError("fetch", "failed to query rows").Wrap(err)
	}
	defer sqlRows.Close()

	columns, err := sqlRows.Columns()
	if err != nil {
		return nil, apperrors.ColdStoreError("fetch", "failed to read columns").Wrap(err)
	}

	var results []Row
	for sqlRows.Next() {
		raw := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := sqlRows.Scan(ptrs...); err != nil {
			return nil, apperrors.ColdStoreError("fetch", "failed to scan row").Wrap(err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = decodeCell(raw[i])
		}
		results = append(results, row)
	}
	if err := sqlRows.Err(); err != nil {
		return nil, apperrors.ColdStoreError("fetch", "row iteration failed").Wrap(err)
	}

	return results, nil
}

// decodeCell decodes a string cell as JSON when it parses as an object
// or array, otherwise returns it unchanged.
func decodeCell(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return v
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return v
	}
	return decoded
}

// Delete truncates the table when no ids are supplied, otherwise deletes
// by id set.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	var query string
	if len(ids) == 0 {
		query = "TRUNCATE TABLE logs"
	} else {
		quoted := make([]string, len(ids))
		for i, id := range ids {
			quoted[i] = quoteSQL(id)
		}
		query = fmt.Sprintf("ALTER TABLE logs DELETE WHERE log_id IN (%s)", strings.Join(quoted, ", "))
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return apperrors.ColdStoreError("delete", "failed to delete rows").Wrap(err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
