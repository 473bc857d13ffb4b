package secret

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultResolver reads secrets from HashiCorp Vault. References take the form
// "path/to/secret#field"; a missing field selector defaults to "value".
// KV v2 "data" wrapping is unwrapped transparently.
type VaultResolver struct {
	client *vault.Client
}

// NewVaultResolver builds a resolver from the standard VAULT_ADDR /
// VAULT_TOKEN environment configuration.
func NewVaultResolver() (*VaultResolver, error) {
	client, err := vault.NewClient(vault.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("secret: create vault client: %w", err)
	}
	return &VaultResolver{client: client}, nil
}

// Resolve reads the secret at the referenced path and returns the selected
// field.
func (r *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	path, field := ref, "value"
	if idx := strings.LastIndex(ref, "#"); idx != -1 {
		path, field = ref[:idx], ref[idx+1:]
	}

	sec, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("secret: read vault path %q: %w", path, err)
	}
	if sec == nil || sec.Data == nil {
		return "", fmt.Errorf("secret: vault path %q not found", path)
	}

	data := sec.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("secret: field %q not found at vault path %q", field, path)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close is a no-op; the client holds no background resources.
func (r *VaultResolver) Close() error { return nil }
