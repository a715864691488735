package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Source)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 12.9716, cfg.Hospital.Lat)
	assert.Equal(t, 77.5946, cfg.Hospital.Lng)
	assert.Equal(t, 500.0, cfg.Hospital.RadiusMeters)
	assert.Equal(t, 5*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, 2, cfg.Storage.Retries)
	assert.Equal(t, 24*time.Hour, cfg.Security.TokenExpiry)
	assert.Equal(t, "disk", cfg.Blob.Backend)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
hospital:
  radius_meters: 250
otp:
  ttl: 2m
blob:
  backend: s3
  bucket: vault
elasticsearch:
  addresses: ["http://es:9200"]
`)
	t.Setenv("MEDVAULT_SERVER_PORT", "9191")
	t.Setenv("MEDVAULT_SECURITY_ENCRYPTION_KEY", testKey)
	t.Setenv("MEDVAULT_SECURITY_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 250.0, cfg.Hospital.RadiusMeters)
	assert.Equal(t, 2*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, "s3", cfg.Blob.Backend)
	assert.Equal(t, []string{"http://es:9200"}, cfg.Elasticsearch.Addresses)
	assert.Equal(t, testKey, cfg.Security.EncryptionKey)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:9191", cfg.Server.Addr())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
		require.NoError(t, err)
		cfg.Security.EncryptionKey = testKey
		cfg.Security.JWTSecret = "s3cret"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short key", func(c *Config) { c.Security.EncryptionKey = "abcd" }, "encryption_key"},
		{"non-hex key", func(c *Config) { c.Security.EncryptionKey = strings.Repeat("zz", 32) }, "encryption_key"},
		{"negative radius", func(c *Config) { c.Hospital.RadiusMeters = -1 }, "radius_meters"},
		{"unknown blob backend", func(c *Config) { c.Blob.Backend = "ftp" }, "blob.backend"},
		{"unknown ledger backend", func(c *Config) { c.Ledger.Backend = "redis" }, "ledger.backend"},
		{"fast2sms without key", func(c *Config) { c.SMS.Provider = "fast2sms" }, "api_key"},
		{"missing jwt secret", func(c *Config) { c.Security.JWTSecret = "" }, "jwt_secret"},
		{"vault without address", func(c *Config) {
			c.Security.Vault.Enabled = true
			c.Security.Vault.Token = "t"
		}, "security.vault"},
		{"vault without credentials", func(c *Config) {
			c.Security.Vault.Enabled = true
			c.Security.Vault.Address = "http://vault:8200"
		}, "token or role_id"},
	}

	require.NoError(t, base(t).Validate())

	vaulted := base(t)
	vaulted.Security.EncryptionKey = ""
	vaulted.Security.Vault.Enabled = true
	vaulted.Security.Vault.Address = "http://vault:8200"
	vaulted.Security.Vault.RoleID = "role"
	vaulted.Security.Vault.SecretID = "secret"
	require.NoError(t, vaulted.Validate(), "the key comes from vault")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
