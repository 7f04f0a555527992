// Package vault stores the serialized credential cache as a secret in a
// HashiCorp Vault KV version 2 engine.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-tokenkit/pkg/storage"
)

const blobField = "cache"

// Config contains the Vault storage settings.
type Config struct {
	// Address is the Vault server address. Falls back to VAULT_ADDR.
	Address string

	// Token is the Vault token. Falls back to VAULT_TOKEN.
	Token string

	// Mount is the KV v2 mount. Default: secret
	Mount string

	// Path is the secret path under the mount. Default: tokenkit/cache
	Path string

	// Timeout bounds each Vault request. Default: 10s
	Timeout time.Duration
}

// Storage implements storage.Storage on a KV v2 secret.
type Storage struct {
	client   *vaultapi.Client
	fullPath string
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a Vault backed storage.
func New(cfg Config, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	apiCfg := vaultapi.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("vault: default config: %w", apiCfg.Error)
	}
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	path := strings.Trim(cfg.Path, "/")
	if path == "" {
		path = "tokenkit/cache"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Storage{
		client:   client,
		fullPath: fmt.Sprintf("%s/data/%s", mount, path),
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Read returns the blob stored in the secret.
func (s *Storage) Read(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	secret, err := s.client.Logical().ReadWithContext(ctx, s.fullPath)
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", s.fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, storage.ErrNotFound
	}

	// deleted KV v2 secrets come back with data: null
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, storage.ErrNotFound
	}

	blob, ok := data[blobField].(string)
	if !ok {
		return nil, errors.New("vault: secret has no cache field")
	}

	s.logger.Debug("cache read from vault", zap.String("path", s.fullPath))
	return []byte(blob), nil
}

// Write replaces the secret with a new version holding data.
func (s *Storage) Write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wrapped := map[string]interface{}{
		"data": map[string]interface{}{
			blobField: string(data),
		},
	}
	if _, err := s.client.Logical().WriteWithContext(ctx, s.fullPath, wrapped); err != nil {
		return fmt.Errorf("vault: write %s: %w", s.fullPath, err)
	}

	s.logger.Debug("cache written to vault", zap.String("path", s.fullPath))
	return nil
}
