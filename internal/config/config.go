package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MEDVAULT"

// DefaultPaths are searched in order; the first readable file wins.
var DefaultPaths = []string{
	"./configs/config.yaml",
	"../configs/config.yaml",
	"/etc/medvault/config.yaml",
}

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Mongo         MongoConfig         `mapstructure:"mongo"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Security      SecurityConfig      `mapstructure:"security"`
	OTP           OTPConfig           `mapstructure:"otp"`
	Hospital      HospitalConfig      `mapstructure:"hospital"`
	Blob          BlobConfig          `mapstructure:"blob"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	SMS           SMSConfig           `mapstructure:"sms"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Log           LogConfig           `mapstructure:"log"`

	// Source is the file the configuration was read from, empty when only
	// defaults and environment were used.
	Source string `mapstructure:"-"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	TLS            struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type DatabaseConfig struct {
	// Backend is "postgres" or "memory".
	Backend     string        `mapstructure:"backend"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Name        string        `mapstructure:"name"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	ConnTimeout time.Duration `mapstructure:"conn_timeout"`
}

type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	MaxPoolSize    uint64        `mapstructure:"max_pool_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

type SecurityConfig struct {
	// EncryptionKey is the 32-byte AES key, hex encoded.
	EncryptionKey string        `mapstructure:"encryption_key"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
	// Vault, when enabled, supplies EncryptionKey at startup.
	Vault VaultConfig `mapstructure:"vault"`
}

// VaultConfig locates the encryption key in a Vault KV v2 engine.
type VaultConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
	Token     string `mapstructure:"token"`
	RoleID    string `mapstructure:"role_id"`
	SecretID  string `mapstructure:"secret_id"`
	Mount     string `mapstructure:"mount"`
	Path      string `mapstructure:"path"`
	Field     string `mapstructure:"field"`
}

type OTPConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	Digits         int           `mapstructure:"digits"`
	MasterCodeHash string        `mapstructure:"master_code_hash"`
	IssueRate      float64       `mapstructure:"issue_rate"`
	IssueBurst     int           `mapstructure:"issue_burst"`
}

type HospitalConfig struct {
	Lat          float64 `mapstructure:"lat"`
	Lng          float64 `mapstructure:"lng"`
	RadiusMeters float64 `mapstructure:"radius_meters"`
}

type BlobConfig struct {
	// Backend is "disk", "s3" or "gridfs".
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Region  string `mapstructure:"region"`
	Prefix  string `mapstructure:"prefix"`
}

type LedgerConfig struct {
	// Backend is "memory" or "leveldb".
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type SMSConfig struct {
	// Provider is "log" or "fast2sms".
	Provider string        `mapstructure:"provider"`
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	LogPath  string        `mapstructure:"log_path"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	Retries         int           `mapstructure:"retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.max_upload_bytes", int64(20<<20))
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")

	v.SetDefault("database.backend", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "medvault")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "medvault")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.conn_timeout", 5*time.Second)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "medvault")
	v.SetDefault("mongo.max_pool_size", 20)
	v.SetDefault("mongo.connect_timeout", 10*time.Second)
	v.SetDefault("mongo.tls_ca_file", "")
	v.SetDefault("mongo.tls_cert_file", "")
	v.SetDefault("mongo.tls_key_file", "")

	v.SetDefault("elasticsearch.addresses", []string{})
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")

	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.token_expiry", 24*time.Hour)
	v.SetDefault("security.vault.enabled", false)
	v.SetDefault("security.vault.address", "")
	v.SetDefault("security.vault.namespace", "")
	v.SetDefault("security.vault.token", "")
	v.SetDefault("security.vault.role_id", "")
	v.SetDefault("security.vault.secret_id", "")
	v.SetDefault("security.vault.mount", "secret")
	v.SetDefault("security.vault.path", "medvault")
	v.SetDefault("security.vault.field", "encryption_key")

	v.SetDefault("otp.ttl", 5*time.Minute)
	v.SetDefault("otp.digits", 6)
	v.SetDefault("otp.master_code_hash", "")
	v.SetDefault("otp.issue_rate", 1.0/30)
	v.SetDefault("otp.issue_burst", 3)

	v.SetDefault("hospital.lat", 12.9716)
	v.SetDefault("hospital.lng", 77.5946)
	v.SetDefault("hospital.radius_meters", 500.0)

	v.SetDefault("blob.backend", "disk")
	v.SetDefault("blob.dir", "./data/blobs")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.region", "")
	v.SetDefault("blob.prefix", "records")

	v.SetDefault("ledger.backend", "leveldb")
	v.SetDefault("ledger.path", "./data/ledger")

	v.SetDefault("sms.provider", "log")
	v.SetDefault("sms.api_key", "")
	v.SetDefault("sms.endpoint", "")
	v.SetDefault("sms.log_path", "./data/otp_delivery.log")
	v.SetDefault("sms.timeout", 10*time.Second)

	v.SetDefault("storage.timeout", 5*time.Second)
	v.SetDefault("storage.retries", 2)
	v.SetDefault("storage.initial_interval", 100*time.Millisecond)

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

// Load reads the first config file found in paths (DefaultPaths when none
// are given), then applies MEDVAULT_* environment overrides. A missing file
// is not an error.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var source string
	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(absPath)
		if err != nil {
			continue
		}

		var values map[string]interface{}
		if err := yaml.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("parse %s: %w", absPath, err)
		}
		if err := v.MergeConfigMap(values); err != nil {
			return nil, fmt.Errorf("merge %s: %w", absPath, err)
		}
		source = absPath
		break
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.Source = source
	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if vault := c.Security.Vault; vault.Enabled {
		if vault.Address == "" || vault.Path == "" || vault.Field == "" {
			bad("security.vault requires address, path and field")
		}
		if vault.Token == "" && (vault.RoleID == "" || vault.SecretID == "") {
			bad("security.vault requires a token or role_id and secret_id")
		}
	} else if key, err := hex.DecodeString(c.Security.EncryptionKey); err != nil || len(key) != 32 {
		bad("security.encryption_key must be 64 hex characters")
	}
	if c.Security.JWTSecret == "" {
		bad("security.jwt_secret is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		bad("unknown server.mode %q", c.Server.Mode)
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		bad("server.tls requires cert_file and key_file")
	}
	if c.Hospital.RadiusMeters < 0 {
		bad("hospital.radius_meters must not be negative")
	}
	if c.Hospital.Lat < -90 || c.Hospital.Lat > 90 || c.Hospital.Lng < -180 || c.Hospital.Lng > 180 {
		bad("hospital coordinates out of range")
	}
	if c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		bad("otp.digits must be between 4 and 10")
	}
	if c.OTP.TTL <= 0 {
		bad("otp.ttl must be positive")
	}

	switch c.Database.Backend {
	case "postgres", "memory":
	default:
		bad("unknown database.backend %q", c.Database.Backend)
	}

	switch c.Blob.Backend {
	case "disk":
		if c.Blob.Dir == "" {
			bad("blob.dir is required for the disk backend")
		}
	case "s3":
		if c.Blob.Bucket == "" {
			bad("blob.bucket is required for the s3 backend")
		}
	case "gridfs":
		if c.Mongo.URI == "" {
			bad("mongo.uri is required for the gridfs backend")
		}
	default:
		bad("unknown blob.backend %q", c.Blob.Backend)
	}

	switch c.Ledger.Backend {
	case "memory":
	case "leveldb":
		if c.Ledger.Path == "" {
			bad("ledger.path is required for the leveldb backend")
		}
	default:
		bad("unknown ledger.backend %q", c.Ledger.Backend)
	}

	switch c.SMS.Provider {
	case "log":
		if c.SMS.LogPath == "" {
			bad("sms.log_path is required for the log provider")
		}
	case "fast2sms":
		if c.SMS.APIKey == "" {
			bad("sms.api_key is required for fast2sms")
		}
	default:
		bad("unknown sms.provider %q", c.SMS.Provider)
	}

	return errors.Join(errs...)
}
