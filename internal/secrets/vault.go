package secrets

import (
	"context"
	"strings"
)

// Vault resolves ${{secrets.NAME}} references at runtime. Values are
// encrypted at rest and only decrypted in memory.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence the vault writes ciphertext to.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

const tenantSep = "/"

// TenantKey scopes a secret name to a tenant. An empty tenant yields the
// bare name (process-wide secrets).
func TenantKey(tenantID, name string) string {
	if tenantID == "" {
		return name
	}
	return tenantID + tenantSep + name
}

// ListTenant returns the secret names stored for tenantID, without prefix.
func ListTenant(ctx context.Context, v Vault, tenantID string) ([]string, error) {
	keys, err := v.List(ctx)
	if err != nil {
		return nil, err
	}
	prefix := tenantID + tenantSep
	var names []string
	for _, k := range keys {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			names = append(names, name)
		}
	}
	return names, nil
}
