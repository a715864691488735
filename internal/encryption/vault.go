package encryption

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/vault/api"
)

// VaultSource locates the hex encoded record key in a KV v2 engine.
type VaultSource struct {
	Address   string
	Namespace string
	Token     string
	RoleID    string
	SecretID  string
	Mount     string
	Path      string
	Field     string
}

// KeyFromVault reads the record key and returns it still hex encoded, ready
// for NewServiceFromHex.
func KeyFromVault(ctx context.Context, src VaultSource) (string, error) {
	client, err := vaultClient(ctx, src)
	if err != nil {
		return "", err
	}

	mount := strings.Trim(src.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	path := fmt.Sprintf("%s/data/%s", mount, strings.Trim(src.Path, "/"))

	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", ErrCrypto, path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: no secret at %s", ErrCrypto, path)
	}

	// KV v2 nests the stored fields under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%w: %s is not a KV v2 secret", ErrCrypto, path)
	}
	key, ok := data[src.Field].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: field %q missing at %s", ErrCrypto, src.Field, path)
	}
	return key, nil
}

func vaultClient(ctx context.Context, src VaultSource) (*api.Client, error) {
	config := api.DefaultConfig()
	if src.Address != "" {
		config.Address = src.Address
	}
	config.HttpClient.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: create vault client: %w", ErrCrypto, err)
	}
	if src.Namespace != "" {
		client.SetNamespace(src.Namespace)
	}

	if src.Token != "" {
		client.SetToken(src.Token)
		return client, nil
	}
	if src.RoleID == "" || src.SecretID == "" {
		return nil, fmt.Errorf("%w: vault needs a token or approle credentials", ErrCrypto)
	}

	resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   src.RoleID,
		"secret_id": src.SecretID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: approle login: %w", ErrCrypto, err)
	}
	if resp == nil || resp.Auth == nil || resp.Auth.ClientToken == "" {
		return nil, fmt.Errorf("%w: approle login returned no token", ErrCrypto)
	}
	client.SetToken(resp.Auth.ClientToken)
	return client, nil
}
