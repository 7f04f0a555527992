//go:build integration

package storage_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
	"github.com/jeremyhahn/go-tokenkit/pkg/storage"
	"github.com/jeremyhahn/go-tokenkit/pkg/storage/redis"
	"github.com/jeremyhahn/go-tokenkit/pkg/storage/vault"
)

// TestRedisIntegration_SharedCache checks that a cache written by one
// process is picked up by a watching cache on the same key.
func TestRedisIntegration_SharedCache(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := "tokenkit:integration:" + uuid.NewString()
	logger := zaptest.NewLogger(t)

	writerStore, err := redis.New(ctx, redis.Config{URL: redisURL, Key: key}, logger)
	require.NoError(t, err)
	defer writerStore.Close()

	readerStore, err := redis.New(ctx, redis.Config{URL: redisURL, Key: key}, logger)
	require.NoError(t, err)
	defer readerStore.Close()

	writer := cache.New(cache.Options{Storage: writerStore, Logger: logger})
	reader := cache.New(cache.Options{Storage: readerStore, Logger: logger})
	require.NoError(t, reader.Load(ctx))
	require.NoError(t, reader.Watch(ctx))

	account := cache.Account{HomeAccountID: "uid.utid", Environment: "login.example.com", Realm: "utid", Username: "alice@example.com"}
	require.NoError(t, writer.SetAccount(ctx, account))

	require.Eventually(t, func() bool {
		_, ok := reader.GetAccount(account.HomeAccountID, account.Environment)
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}

// TestVaultIntegration_RoundTrip stores a cache document in a KV v2 secret.
func TestVaultIntegration_RoundTrip(t *testing.T) {
	if os.Getenv("VAULT_ADDR") == "" || os.Getenv("VAULT_TOKEN") == "" {
		t.Skip("VAULT_ADDR and VAULT_TOKEN not set")
	}

	ctx := context.Background()
	store, err := vault.New(vault.Config{Path: "tokenkit/integration/" + uuid.NewString()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = store.Read(ctx)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound, got %v", err)

	c := cache.New(cache.Options{Storage: store})
	require.NoError(t, c.SetAccount(ctx, cache.Account{HomeAccountID: "uid.utid", Environment: "login.example.com"}))

	reloaded := cache.New(cache.Options{Storage: store})
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.GetAllAccounts(), 1)
}
