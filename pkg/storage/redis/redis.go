// Package redis stores the serialized credential cache in Redis so several
// processes or hosts can share one cache.
//
// Every write is paired with a publish on a change channel inside a MULTI
// transaction. Watch subscribes to that channel and ignores notifications
// published by the same Storage instance.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-tokenkit/pkg/storage"
)

const (
	defaultKey     = "tokenkit:cache"
	channelSuffix  = ":changed"
	defaultTimeout = 5 * time.Second
)

// Config contains the Redis storage settings.
type Config struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string

	// Key is the Redis key holding the blob. Default: tokenkit:cache
	Key string

	// Timeout bounds each Redis command. Default: 5s
	Timeout time.Duration
}

// Storage implements storage.Storage and storage.Watcher on top of Redis.
type Storage struct {
	client     *goredis.Client
	key        string
	channel    string
	timeout    time.Duration
	instanceID string
	logger     *zap.Logger
	closed     atomic.Bool
}

// New connects to Redis using cfg and verifies the connection.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Storage, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis: url is required")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	client := goredis.NewClient(opts)
	s := NewWithClient(client, cfg, logger)

	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return s, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, cfg Config, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	key := cfg.Key
	if key == "" {
		key = defaultKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Storage{
		client:     client,
		key:        key,
		channel:    key + channelSuffix,
		timeout:    timeout,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// Read returns the stored blob.
func (s *Storage) Read(ctx context.Context) ([]byte, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get %s: %w", s.key, err)
	}
	return data, nil
}

// Write stores data and notifies watchers.
func (s *Storage) Write(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key, data, 0)
		pipe.Publish(ctx, s.channel, s.instanceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set %s: %w", s.key, err)
	}
	return nil
}

// Watch subscribes to change notifications from other writers.
func (s *Storage) Watch(ctx context.Context, onChange func()) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	sub := s.client.Subscribe(ctx, s.channel)

	// Receive blocks until the subscription is confirmed so no
	// notification published after Watch returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("redis: subscribe %s: %w", s.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == s.instanceID {
					continue
				}
				s.logger.Debug("redis cache changed", zap.String("key", s.key), zap.String("writer", msg.Payload))
				onChange()
			}
		}
	}()

	return nil
}

// Close closes the underlying client. Later calls return storage.ErrClosed
// from every operation; closing twice is a no-op.
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}
