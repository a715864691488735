package encryption

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault serves one KV v2 secret and an approle login endpoint.
func fakeVault(t *testing.T, fields map[string]interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		err := json.NewDecoder(r.Body).Decode(&body)
		if err != nil || body["role_id"] != "role" || body["secret_id"] != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":["invalid role or secret id"]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"auth": map[string]interface{}{"client_token": "approle-token"},
		})
	})
	mux.HandleFunc("/v1/secret/data/medvault", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Vault-Token") {
		case "root", "approle-token":
		default:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     fields,
				"metadata": map[string]interface{}{"version": 1},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestKeyFromVaultWithToken(t *testing.T) {
	srv := fakeVault(t, map[string]interface{}{"encryption_key": testKey})

	key, err := KeyFromVault(context.Background(), VaultSource{
		Address: srv.URL,
		Token:   "root",
		Path:    "medvault",
		Field:   "encryption_key",
	})
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = NewServiceFromHex(key)
	assert.NoError(t, err)
}

func TestKeyFromVaultWithAppRole(t *testing.T) {
	srv := fakeVault(t, map[string]interface{}{"encryption_key": testKey})

	key, err := KeyFromVault(context.Background(), VaultSource{
		Address:  srv.URL,
		RoleID:   "role",
		SecretID: "secret",
		Mount:    "secret",
		Path:     "/medvault/",
		Field:    "encryption_key",
	})
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = KeyFromVault(context.Background(), VaultSource{
		Address:  srv.URL,
		RoleID:   "role",
		SecretID: "wrong",
		Path:     "medvault",
		Field:    "encryption_key",
	})
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestKeyFromVaultErrors(t *testing.T) {
	srv := fakeVault(t, map[string]interface{}{"other": "x"})

	cases := []struct {
		name string
		src  VaultSource
	}{
		{"missing field", VaultSource{Address: srv.URL, Token: "root", Path: "medvault", Field: "encryption_key"}},
		{"missing secret", VaultSource{Address: srv.URL, Token: "root", Path: "elsewhere", Field: "encryption_key"}},
		{"bad token", VaultSource{Address: srv.URL, Token: "nope", Path: "medvault", Field: "other"}},
		{"no credentials", VaultSource{Address: srv.URL, Path: "medvault", Field: "other"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := KeyFromVault(context.Background(), tc.src)
			assert.ErrorIs(t, err, ErrCrypto)
		})
	}
}
