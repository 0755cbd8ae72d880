// Package config provides configuration management for SurveyKeeper services.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	ResponseAPI ResponseAPIConfig
	Validation  ValidationConfig
	Cache       CacheConfig
	Tasks       TasksConfig
	Mail        MailConfig
}

// ResponseAPIConfig holds configuration for the gRPC response API service.
type ResponseAPIConfig struct {
	Host           string
	Port           int
	MaxConnections int
	RequestTimeout time.Duration
	DataDir        string
	MetricsAddr    string // empty disables the metrics listener
}

// ValidationConfig selects how response failures are reported.
type ValidationConfig struct {
	Mode string // fail_fast or collect_all
}

// CacheConfig configures the survey snapshot cache.
type CacheConfig struct {
	RedisURL    string // empty disables caching
	SnapshotTTL time.Duration
}

// TasksConfig configures the background task queue and scheduler.
type TasksConfig struct {
	RedisURL         string
	Stream           string
	ConsumerGroup    string
	ReportSchedule   string // cron spec, empty disables the periodic report
	ReportRecipients []string
}

// MailConfig configures outgoing mail.
type MailConfig struct {
	SMTPAddr string
	From     string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		ResponseAPI: ResponseAPIConfig{
			Host:           "0.0.0.0",
			Port:           50051,
			MaxConnections: 1000,
			RequestTimeout: 30 * time.Second,
			DataDir:        "./data",
			MetricsAddr:    ":9090",
		},
		Validation: ValidationConfig{Mode: "fail_fast"},
		Cache:      CacheConfig{SnapshotTTL: 300 * time.Second},
		Tasks: TasksConfig{
			Stream:        "surveykeeper:tasks",
			ConsumerGroup: "surveykeeper-workers",
		},
		Mail: MailConfig{
			SMTPAddr: "localhost:25",
			From:     "surveykeeper@localhost",
		},
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports SK_HMAC_SECRET (single) and SK_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	add := func(key, val string) error {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return fmt.Errorf("duplicate secret_id '%s' found in environment variables (check SK_HMAC_SECRET and SK_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
		return nil
	}

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv("SK_HMAC_SECRET"); val != "" {
		if err := add("SK_HMAC_SECRET", val); err != nil {
			return nil, err
		}
	}

	// Multiple secrets enable rotation: old and new keys valid during migration
	for i := 1; ; i++ {
		key := fmt.Sprintf("SK_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		if err := add(key, val); err != nil {
			return nil, err
		}
	}

	return secrets, nil
}

// EncryptionKeys returns the Fernet key ring from SK_ENCRYPTION_KEY and
// SK_ENCRYPTION_KEY_N, in that order. The first key encrypts; every key
// decrypts. Keys are returned encoded; the sealing package decodes them.
func EncryptionKeys() []string {
	var keys []string
	if val := strings.TrimSpace(os.Getenv("SK_ENCRYPTION_KEY")); val != "" {
		keys = append(keys, val)
	}
	for i := 1; ; i++ {
		val := strings.TrimSpace(os.Getenv(fmt.Sprintf("SK_ENCRYPTION_KEY_%d", i)))
		if val == "" {
			break
		}
		keys = append(keys, val)
	}
	return keys
}

// ParseHMACSecret decodes base64-encoded HMAC secret from environment variable.
func ParseHMACSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}

	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(parts[1])
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
