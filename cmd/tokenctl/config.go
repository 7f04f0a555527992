package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-tokenkit/pkg/oauth"
	"github.com/jeremyhahn/go-tokenkit/pkg/storage"
	"github.com/jeremyhahn/go-tokenkit/pkg/storage/redis"
	"github.com/jeremyhahn/go-tokenkit/pkg/storage/vault"
)

// Storage backends.
const (
	backendFile   = "file"
	backendRedis  = "redis"
	backendVault  = "vault"
	backendMemory = "memory"
)

const defaultRedirectURI = "http://localhost:8400/callback"

// fileConfig is the YAML configuration file. Environment variables in the
// file are expanded before parsing.
type fileConfig struct {
	ClientID                string        `yaml:"client_id"`
	ClientSecret            string        `yaml:"client_secret"`
	Authority               string        `yaml:"authority"`
	RedirectURI             string        `yaml:"redirect_uri"`
	Scopes                  []string      `yaml:"scopes"`
	KnownAuthorities        []string      `yaml:"known_authorities"`
	TrustedHostPatterns     []string      `yaml:"trusted_host_patterns"`
	SkipAuthorityValidation bool          `yaml:"skip_authority_validation"`
	ClockSkew               time.Duration `yaml:"clock_skew"`
	Timeout                 time.Duration `yaml:"timeout"`
	Storage                 storageConfig `yaml:"storage"`
}

type storageConfig struct {
	// Backend is one of file, redis, vault or memory. Default: file
	Backend string `yaml:"backend"`

	// Path is the cache file for the file backend.
	Path string `yaml:"path"`

	Redis redisConfig `yaml:"redis"`
	Vault vaultConfig `yaml:"vault"`
}

type redisConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

type vaultConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Mount   string `yaml:"mount"`
	Path    string `yaml:"path"`
}

// loadConfig reads and validates the configuration at path.
func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*fileConfig, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ClientID == "" {
		return nil, errors.New("config: client_id is required")
	}
	if cfg.Authority == "" {
		return nil, errors.New("config: authority is required")
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = defaultRedirectURI
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = backendFile
	}
	if cfg.Storage.Backend == backendFile && cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(defaultConfigDir(), "msal_token_cache.json")
	}

	return &cfg, nil
}

// oauthConfig maps the file onto the engine configuration. The storages
// are attached by openStorage.
func (c *fileConfig) oauthConfig(logger *zap.Logger) *oauth.Config {
	return &oauth.Config{
		ClientID:                c.ClientID,
		ClientSecret:            c.ClientSecret,
		Authority:               c.Authority,
		RedirectURI:             c.RedirectURI,
		Scopes:                  c.Scopes,
		KnownAuthorities:        c.KnownAuthorities,
		TrustedHostPatterns:     c.TrustedHostPatterns,
		SkipAuthorityValidation: c.SkipAuthorityValidation,
		ClockSkew:               c.ClockSkew,
		Timeout:                 c.Timeout,
		Logger:                  logger,
	}
}

// openStorage opens the cache and pending storages of the configured
// backend. The returned closer releases backend connections.
func openStorage(ctx context.Context, sc storageConfig, logger *zap.Logger) (cacheStore, pendingStore storage.Storage, closer io.Closer, err error) {
	var noop closers

	switch sc.Backend {
	case backendMemory:
		return storage.NewMemory(), storage.NewMemory(), noop, nil

	case backendFile:
		cacheFile, err := storage.NewFile(sc.Path, storage.WithFileLogger(logger))
		if err != nil {
			return nil, nil, nil, err
		}
		pendingFile, err := storage.NewFile(sc.Path+".pending", storage.WithFileLogger(logger))
		if err != nil {
			return nil, nil, nil, err
		}
		return cacheFile, pendingFile, noop, nil

	case backendRedis:
		key := sc.Redis.Key
		if key == "" {
			key = "tokenctl:cache"
		}
		cacheRedis, err := redis.New(ctx, redis.Config{URL: sc.Redis.URL, Key: key}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		pendingRedis, err := redis.New(ctx, redis.Config{URL: sc.Redis.URL, Key: key + ":pending"}, logger)
		if err != nil {
			cacheRedis.Close()
			return nil, nil, nil, err
		}
		return cacheRedis, pendingRedis, closers{cacheRedis, pendingRedis}, nil

	case backendVault:
		cfg := vault.Config{
			Address: sc.Vault.Address,
			Token:   sc.Vault.Token,
			Mount:   sc.Vault.Mount,
			Path:    sc.Vault.Path,
		}
		if cfg.Path == "" {
			cfg.Path = "tokenctl/cache"
		}
		cacheVault, err := vault.New(cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		cfg.Path += "-pending"
		pendingVault, err := vault.New(cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return cacheVault, pendingVault, noop, nil
	}

	return nil, nil, nil, fmt.Errorf("config: unknown storage backend %q", sc.Backend)
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// session is an opened Application together with what it was built from.
type session struct {
	config  *fileConfig
	app     *oauth.Application
	storage io.Closer
}

// openSession loads the config file and creates the Application.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}

	cacheStore, pendingStore, closer, err := openStorage(ctx, cfg.Storage, logger.Named("storage"))
	if err != nil {
		return nil, err
	}

	oc := cfg.oauthConfig(logger)
	oc.CacheStorage = cacheStore
	oc.PendingStorage = pendingStore

	app, err := oauth.New(ctx, oc)
	if err != nil {
		closer.Close()
		return nil, err
	}

	return &session{config: cfg, app: app, storage: closer}, nil
}

func (s *session) Close() {
	s.app.Close()
	if err := s.storage.Close(); err != nil {
		logger.Warn("failed to close storage", zap.Error(err))
	}
}
