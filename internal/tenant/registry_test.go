package tenant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDSNFromConfig(t *testing.T) {
	dsn := dsnFromConfig(Config{Host: "db.local", Port: 5433, Name: "logging", User: "svc", Password: "secret"})
	assert.Contains(t, dsn, "host=db.local")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "dbname=logging")
	assert.Contains(t, dsn, "user=svc")
	assert.Contains(t, dsn, "password=secret")
}

func TestPortStringDefaultsWhenZero(t *testing.T) {
	assert.Equal(t, "5432", portString(0))
	assert.Equal(t, "6543", portString(6543))
}

func TestCacheLookupStoreInvalidate(t *testing.T) {
	r := &Registry{cacheTTL: time.Minute, appCache: make(map[string]cachedApp)}

	_, ok := r.lookup("app-1")
	assert.False(t, ok, "empty cache has no entry")

	r.store("app-1", cachedApp{exists: true, servers: []string{"srv-1"}})
	entry, ok := r.lookup("app-1")
	assert.True(t, ok)
	assert.True(t, entry.exists)
	assert.Equal(t, []string{"srv-1"}, entry.servers)

	r.invalidate("app-1")
	_, ok = r.lookup("app-1")
	assert.False(t, ok, "invalidate must drop the cached entry")
}

func TestCacheDisabledWhenTTLIsZero(t *testing.T) {
	r := &Registry{cacheTTL: 0, appCache: make(map[string]cachedApp)}

	r.store("app-1", cachedApp{exists: true})
	_, ok := r.lookup("app-1")
	assert.False(t, ok, "a zero TTL must disable caching entirely")
}

func TestCacheEntryExpires(t *testing.T) {
	r := &Registry{cacheTTL: time.Millisecond, appCache: make(map[string]cachedApp)}
	r.store("app-1", cachedApp{exists: true})

	time.Sleep(5 * time.Millisecond)
	_, ok := r.lookup("app-1")
	assert.False(t, ok, "expired entries must be treated as a cache miss")
}
