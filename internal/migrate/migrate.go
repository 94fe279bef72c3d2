// Package migrate implements the Migrator component: idempotent schema
// provisioning for ColdStore (ClickHouse) and TenantRegistry (Postgres),
// run once at Supervisor startup before the service accepts traffic.
package migrate

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	apperrors "github.com/adelard07/cloud-logging/pkg/errors"
)

// createLogsTable follows §6's column list for the columnar logs table,
// except that source is stored as Nullable(String) holding JSON text,
// not as a JSON column. log_id/app_id use the column names ColdStore composes literal
// SQL against; app_id is NOT NULL because IngestHandler always stamps a
// tenant before a record reaches the pipeline.
const createLogsTable = `
CREATE TABLE IF NOT EXISTS logs (
	log_id UUID DEFAULT generateUUIDv4(),
	app_id UUID NOT NULL,
	timestamp DateTime DEFAULT now(),
	event_type Nullable(String),
	event_name Nullable(String),
	event_category Nullable(String),
	hostname Nullable(String),
	portnumber Nullable(Int32),
	api_key Nullable(String),
	severity_level Nullable(String),
	status_code Nullable(Int32),
	session_id Nullable(String),
	request_id Nullable(String),
	success_flag Nullable(Bool),
	message Nullable(String),
	description Nullable(String),
	diagnostics Nullable(String),
	source Nullable(String)
) ENGINE = MergeTree()
ORDER BY (timestamp)
`

const createServersTable = `
CREATE TABLE IF NOT EXISTS servers (
	server_id VARCHAR(255) PRIMARY KEY,
	server_name VARCHAR(255) UNIQUE NOT NULL,
	server_description TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)
`

const createAppsTable = `
CREATE TABLE IF NOT EXISTS apps (
	app_id VARCHAR(255) PRIMARY KEY,
	app_name VARCHAR(255) UNIQUE NOT NULL,
	app_description TEXT,
	server_id VARCHAR(255) REFERENCES servers(server_id),
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)
`

const createAPIKeysTable = `
CREATE TABLE IF NOT EXISTS api_keys (
	app_id VARCHAR(255) NOT NULL REFERENCES apps(app_id),
	api_key TEXT NOT NULL,
	issued_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (app_id, api_key)
)
`

// Migrator provisions the schemas both stores require. A failure here is
// a startup failure: the process must not begin serving traffic against
// an unprovisioned store.
type Migrator struct {
	cold   *sql.DB
	pg     *pgxpool.Pool
	logger *logrus.Logger
}

// New builds a Migrator over already-opened store handles.
func New(cold *sql.DB, pg *pgxpool.Pool, logger *logrus.Logger) *Migrator {
	return &Migrator{cold: cold, pg: pg, logger: logger}
}

// Run provisions every table, idempotently. It is safe to call on every
// process start.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.migrateColdStore(ctx); err != nil {
		return err
	}
	if err := m.migratePostgres(ctx); err != nil {
		return err
	}
	m.logger.Info("migrate: schema provisioning complete")
	return nil
}

func (m *Migrator) migrateColdStore(ctx context.Context) error {
	if _, err := m.cold.ExecContext(ctx, createLogsTable); err != nil {
		return apperrors.ColdStoreError("migrate", "failed to create logs table").Wrap(err)
	}
	m.logger.Info("migrate: logs table ready")
	return nil
}

func (m *Migrator) migratePostgres(ctx context.Context) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"servers", createServersTable},
		{"apps", createAppsTable},
		{"api_keys", createAPIKeysTable},
	}

	for _, stmt := range statements {
		if _, err := m.pg.Exec(ctx, stmt.sql); err != nil {
			return apperrors.RegistryError("migrate", "failed to create "+stmt.name+" table").Wrap(err)
		}
		m.logger.WithField("table", stmt.name).Info("migrate: table ready")
	}
	return nil
}
