// Package tenant implements the TenantRegistry adapter: a read-mostly
// view over the relational servers/apps/api_keys tables, backed by
// Postgres via pgx, with a TTL'd cache (no size bound) in front of the
// two lookups the Authenticator calls on every request.
package tenant

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adelard07/cloud-logging/internal/metrics"
	apperrors "github.com/adelard07/cloud-logging/pkg/errors"
)

// Config holds the Postgres connection parameters.
type Config struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// Registry is the TenantRegistry adapter.
type Registry struct {
	pool *pgxpool.Pool

	cacheTTL time.Duration
	mu       sync.RWMutex
	appCache map[string]cachedApp
}

type cachedApp struct {
	exists    bool
	servers   []string
	expiresAt time.Time
}

// New wraps an already-constructed pgxpool.Pool. cacheTTL of zero
// disables caching (every call round-trips to Postgres).
func New(pool *pgxpool.Pool, cacheTTL time.Duration) *Registry {
	return &Registry{
		pool:     pool,
		cacheTTL: cacheTTL,
		appCache: make(map[string]cachedApp),
	}
}

// Connect dials Postgres using the given connection parameters.
func Connect(ctx context.Context, cfg Config, cacheTTL time.Duration) (*Registry, error) {
	dsn := dsnFromConfig(cfg)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperrors.RegistryError("connect", "failed to open connection pool").Wrap(err)
	}
	return New(pool, cacheTTL), nil
}

func dsnFromConfig(cfg Config) string {
	return "host=" + cfg.Host +
		" port=" + portString(cfg.Port) +
		" dbname=" + cfg.Name +
		" user=" + cfg.User +
		" password=" + cfg.Password +
		" sslmode=disable"
}

func portString(port int) string {
	if port == 0 {
		port = 5432
	}
	return strconv.Itoa(port)
}

func (r *Registry) lookup(appID string) (cachedApp, bool) {
	if r.cacheTTL == 0 {
		return cachedApp{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.appCache[appID]
	if !ok {
		metrics.RecordTenantRegistryCache("miss")
		return cachedApp{}, false
	}
	if time.Now().After(entry.expiresAt) {
		metrics.RecordTenantRegistryCache("expired")
		return cachedApp{}, false
	}
	metrics.RecordTenantRegistryCache("hit")
	return entry, true
}

func (r *Registry) store(appID string, entry cachedApp) {
	if r.cacheTTL == 0 {
		return
	}
	entry.expiresAt = time.Now().Add(r.cacheTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appCache[appID] = entry
}

// invalidate drops a cached entry; RecordIssuance calls it after
// writing an issuance row. APIKeyIssued itself is never cached.
func (r *Registry) invalidate(appID string) {
	if r.cacheTTL == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.appCache, appID)
}

// AppExists reports whether appID names a registered application.
func (r *Registry) AppExists(ctx context.Context, appID string) (bool, error) {
	if entry, ok := r.lookup(appID); ok {
		return entry.exists, nil
	}

	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM apps WHERE app_id = $1)", appID).Scan(&exists)
	if err != nil {
		return false, apperrors.RegistryError("app_exists", "query failed").
			WithMetadata("app_id", appID).Wrap(err)
	}

	servers, _ := r.serversOfUncached(ctx, appID)
	r.store(appID, cachedApp{exists: exists, servers: servers})
	return exists, nil
}

// ServersOf returns every server currently registered for appID.
func (r *Registry) ServersOf(ctx context.Context, appID string) ([]string, error) {
	if entry, ok := r.lookup(appID); ok {
		return entry.servers, nil
	}

	servers, err := r.serversOfUncached(ctx, appID)
	if err != nil {
		return nil, err
	}

	r.store(appID, cachedApp{exists: len(servers) > 0, servers: servers})
	return servers, nil
}

func (r *Registry) serversOfUncached(ctx context.Context, appID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT s.server_id FROM servers s JOIN apps a ON a.server_id = s.server_id WHERE a.app_id = $1",
		appID)
	if err != nil {
		return nil, apperrors.RegistryError("servers_of", "query failed").
			WithMetadata("app_id", appID).Wrap(err)
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var serverID string
		if err := rows.Scan(&serverID); err != nil {
			return nil, apperrors.RegistryError("servers_of", "scan failed").Wrap(err)
		}
		servers = append(servers, serverID)
	}
	return servers, rows.Err()
}

// APIKeyIssued reports whether (appID, apiKey) has an issuance row.
func (r *Registry) APIKeyIssued(ctx context.Context, appID, apiKey string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM api_keys WHERE app_id = $1 AND api_key = $2)",
		appID, apiKey).Scan(&exists)
	if err != nil {
		return false, apperrors.RegistryError("api_key_issued", "query failed").
			WithMetadata("app_id", appID).Wrap(err)
	}
	return exists, nil
}

// RecordIssuance appends an issuance row. Used by Authenticator.Issue.
func (r *Registry) RecordIssuance(ctx context.Context, appID, apiKey string) error {
	_, err := r.pool.Exec(ctx,
		"INSERT INTO api_keys (app_id, api_key) VALUES ($1, $2)", appID, apiKey)
	if err != nil {
		return apperrors.RegistryError("record_issuance", "insert failed").
			WithMetadata("app_id", appID).Wrap(err)
	}
	r.invalidate(appID)
	return nil
}

// Close releases the underlying connection pool.
func (r *Registry) Close() {
	r.pool.Close()
}
