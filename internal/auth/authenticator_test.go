package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCrypto struct {
	decryptOverride map[string]string
}

func (f *fakeCrypto) Encrypt(plaintext string) (string, error) {
	return "enc(" + plaintext + ")", nil
}

func (f *fakeCrypto) Decrypt(token string) (string, error) {
	if v, ok := f.decryptOverride[token]; ok {
		return v, nil
	}
	if len(token) < 5 || token[:4] != "enc(" {
		return "", assert.AnError
	}
	return token[4 : len(token)-1], nil
}

type fakeRegistry struct {
	apps     map[string]bool
	servers  map[string][]string
	issued   map[string]map[string]bool
	issueErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		apps:    map[string]bool{},
		servers: map[string][]string{},
		issued:  map[string]map[string]bool{},
	}
}

func (f *fakeRegistry) AppExists(ctx context.Context, appID string) (bool, error) {
	return f.apps[appID], nil
}

func (f *fakeRegistry) ServersOf(ctx context.Context, appID string) ([]string, error) {
	return f.servers[appID], nil
}

func (f *fakeRegistry) APIKeyIssued(ctx context.Context, appID, apiKey string) (bool, error) {
	return f.issued[appID][apiKey], nil
}

func (f *fakeRegistry) RecordIssuance(ctx context.Context, appID, apiKey string) error {
	if f.issueErr != nil {
		return f.issueErr
	}
	if f.issued[appID] == nil {
		f.issued[appID] = map[string]bool{}
	}
	f.issued[appID][apiKey] = true
	return nil
}

func TestIssueThenValidateRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	reg.apps["app-1"] = true
	reg.servers["app-1"] = []string{"srv-1"}

	a := New(&fakeCrypto{}, reg)

	key, err := a.Issue(ctx, "app-1")
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	tenant, ok, err := a.Validate(ctx, string(key))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "app-1", tenant.AppID)
	assert.Equal(t, "srv-1", tenant.ServerID)
}

func TestValidateAcceptsLegacyKeyWithoutIssuanceRow(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	reg.apps["app-1"] = true
	reg.servers["app-1"] = []string{"srv-1", "srv-2"}

	c := &fakeCrypto{decryptOverride: map[string]string{"legacy-token": "app-1:srv-2"}}
	a := New(c, reg)

	tenant, ok, err := a.Validate(ctx, "legacy-token")
	require.NoError(t, err)
	assert.True(t, ok, "a (app, server) pair still valid must authenticate even with no issuance row")
	assert.Equal(t, "srv-2", tenant.ServerID)
}

func TestValidateRejectsUnknownApp(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	c := &fakeCrypto{decryptOverride: map[string]string{"token": "ghost-app:srv-1"}}
	a := New(c, reg)

	_, ok, err := a.Validate(ctx, "token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateRejectsUnknownServer(t *testing.T) {
	ctx := context.Background()
	reg := newFakeRegistry()
	reg.apps["app-1"] = true
	reg.servers["app-1"] = []string{"srv-1"}

	c := &fakeCrypto{decryptOverride: map[string]string{"token": "app-1:srv-ghost"}}
	a := New(c, reg)

	_, ok, err := a.Validate(ctx, "token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateRejectsEmptyKey(t *testing.T) {
	a := New(&fakeCrypto{}, newFakeRegistry())
	_, ok, err := a.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateRejectsDecryptionFailure(t *testing.T) {
	a := New(&fakeCrypto{}, newFakeRegistry())
	_, ok, err := a.Validate(context.Background(), "not-a-real-token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateRejectsMalformedPlaintext(t *testing.T) {
	ctx := context.Background()
	c := &fakeCrypto{decryptOverride: map[string]string{
		"no-colon":    "app-1-srv-1",
		"two-colons":  "app-1:srv-1:extra",
	}}
	a := New(c, newFakeRegistry())

	_, ok, err := a.Validate(ctx, "no-colon")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = a.Validate(ctx, "two-colons")
	require.NoError(t, err)
	assert.False(t, ok, "exactly one separator is required")
}

func TestIssueFailsWhenAppHasNoServers(t *testing.T) {
	a := New(&fakeCrypto{}, newFakeRegistry())
	_, err := a.Issue(context.Background(), "app-without-servers")
	require.Error(t, err)
}
