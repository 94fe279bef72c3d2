// Package auth implements the Authenticator: issuing API keys bound to
// an (app_id, server_id) pair, and validating presented keys against the
// legacy-key-tolerant policy described in the component design.
package auth

import (
	"context"
	"strings"

	"github.com/adelard07/cloud-logging/internal/model"
	apperrors "github.com/adelard07/cloud-logging/pkg/errors"
)

// Crypto is the subset of the Crypto component Authenticator depends on.
type Crypto interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// Registry is the subset of TenantRegistry the Authenticator depends on.
type Registry interface {
	AppExists(ctx context.Context, appID string) (bool, error)
	ServersOf(ctx context.Context, appID string) ([]string, error)
	APIKeyIssued(ctx context.Context, appID, apiKey string) (bool, error)
	RecordIssuance(ctx context.Context, appID, apiKey string) error
}

// Authenticator issues and validates API keys.
type Authenticator struct {
	crypto   Crypto
	registry Registry
}

// New builds an Authenticator over the given Crypto and TenantRegistry.
func New(crypto Crypto, registry Registry) *Authenticator {
	return &Authenticator{crypto: crypto, registry: registry}
}

// Issue picks a currently-registered server for appID (the first one
// returned by ServersOf), encrypts "appID:serverID", records the
// issuance, and returns the token.
func (a *Authenticator) Issue(ctx context.Context, appID string) (model.APIKey, error) {
	servers, err := a.registry.ServersOf(ctx, appID)
	if err != nil {
		return "", apperrors.RegistryError("issue", "failed to look up servers").
			WithMetadata("app_id", appID).Wrap(err)
	}
	if len(servers) == 0 {
		return "", apperrors.RegistryError("issue", "app has no registered servers").
			WithMetadata("app_id", appID)
	}

	serverID := servers[0]
	token, err := a.crypto.Encrypt(appID + ":" + serverID)
	if err != nil {
		return "", apperrors.CryptoError("issue", "failed to encrypt key").Wrap(err)
	}

	if err := a.registry.RecordIssuance(ctx, appID, token); err != nil {
		return "", err
	}

	return model.APIKey(token), nil
}

// Validate decrypts apiKey and accepts it iff either (a) the registry
// confirms the exact (appID, apiKey) issuance row, or (b) serverID is
// currently a registered server for appID. Per §4.2, any registry
// adapter failure is treated as "deny": Validate never returns an error for an invalid key or an unreachable registry
// — it returns (Tenant{}, false, nil) in both cases. Validate must never
// throw.
func (a *Authenticator) Validate(ctx context.Context, apiKey string) (model.Tenant, bool, error) {
	if apiKey == "" {
		return model.Tenant{}, false, nil
	}

	plaintext, err := a.crypto.Decrypt(apiKey)
	if err != nil {
		return model.Tenant{}, false, nil
	}

	appID, serverID, ok := splitOnce(plaintext, ":")
	if !ok {
		return model.Tenant{}, false, nil
	}

	exists, err := a.registry.AppExists(ctx, appID)
	if err != nil || !exists {
		return model.Tenant{}, false, nil
	}

	issued, err := a.registry.APIKeyIssued(ctx, appID, apiKey)
	if err != nil {
		return model.Tenant{}, false, nil
	}
	if issued {
		return model.Tenant{AppID: appID, ServerID: serverID}, true, nil
	}

	servers, err := a.registry.ServersOf(ctx, appID)
	if err != nil {
		return model.Tenant{}, false, nil
	}
	for _, s := range servers {
		if s == serverID {
			return model.Tenant{AppID: appID, ServerID: serverID}, true, nil
		}
	}

	return model.Tenant{}, false, nil
}

// splitOnce requires exactly one separator, matching the original's
// decrypted.split(":", 1) plus its "exactly one ':'" requirement.
func splitOnce(s, sep string) (string, string, bool) {
	idx := strings.Index(s, sep)
	if idx < 0 {
		return "", "", false
	}
	rest := s[idx+len(sep):]
	if strings.Contains(rest, sep) {
		return "", "", false
	}
	return s[:idx], rest, true
}
