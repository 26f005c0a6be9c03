package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretNotFound is returned when neither KEY nor KEY_FILE is set.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore resolves named secrets.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from KEY, or from the file named by
// KEY_FILE (docker and kubernetes secret mounts).
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (s *EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	path := os.Getenv(key + "_FILE")
	if path == "" {
		return "", ErrSecretNotFound
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator supplied secret path
	if err != nil {
		return "", fmt.Errorf("read %s_FILE: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil || v == "" {
		return def
	}
	return v
}

// LoadSecretsFromEnv fills credential fields of cfg from the store. Unset
// secrets leave the current value untouched.
func LoadSecretsFromEnv(ctx context.Context, cfg *Config, store SecretStore) error {
	targets := []struct {
		key string
		dst *string
	}{
		{"SAVEKIT_SQL_DSN", &cfg.Storage.SQL.DSN},
		{"SAVEKIT_GORM_DSN", &cfg.Storage.Gorm.DSN},
		{"SAVEKIT_REDIS_PASSWORD", &cfg.Storage.Redis.Password},
		{"SAVEKIT_ANALYTICS_EXPORT_API_KEY", &cfg.Analytics.ExportAPIKey},
	}
	for _, t := range targets {
		v, err := store.Get(ctx, t.key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		*t.dst = v
	}

	keys, err := store.Get(ctx, "SAVEKIT_SECURITY_API_KEYS")
	switch {
	case errors.Is(err, ErrSecretNotFound):
	case err != nil:
		return err
	default:
		cfg.Security.APIKeys = splitList(keys)
	}
	return nil
}
