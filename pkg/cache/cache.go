// Package cache implements the credential cache: accounts, ID tokens,
// access tokens, refresh tokens and app metadata, keyed and matched the way
// MSAL-family clients do it, and persisted as a single JSON document through
// a storage.Storage.
//
// Reads take a shared lock and never touch storage. Every mutation holds the
// exclusive lock across both the in-memory change and the storage write, so
// the persisted document always matches the last completed write. A failed
// storage write rolls the in-memory change back.
package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-tokenkit/pkg/storage"
)

// DefaultSkew is how close to expiry an access token may be before it is
// treated as expired.
const DefaultSkew = 300 * time.Second

// ErrUnsupportedCredential is returned by SetCredential for unknown types.
var ErrUnsupportedCredential = errors.New("cache: unsupported credential type")

// Options configures a CredentialCache.
type Options struct {
	// Storage persists the cache. Default: storage.NewMemory()
	Storage storage.Storage

	// Logger receives cache diagnostics. Default: zap.NewNop()
	Logger *zap.Logger

	// Skew is the expiry safety margin. Default: DefaultSkew
	Skew time.Duration

	// Now returns the current time. Default: time.Now
	Now func() time.Time
}

// CredentialCache is safe for concurrent use.
type CredentialCache struct {
	mu       sync.RWMutex
	contents *contents

	storage storage.Storage
	logger  *zap.Logger
	skew    time.Duration
	now     func() time.Time
}

// New creates an empty cache. Call Load to populate it from storage.
func New(opts Options) *CredentialCache {
	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Skew <= 0 {
		opts.Skew = DefaultSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &CredentialCache{
		contents: newContents(),
		storage:  opts.Storage,
		logger:   opts.Logger,
		skew:     opts.Skew,
		now:      opts.Now,
	}
}

// Skew returns the configured expiry margin.
func (c *CredentialCache) Skew() time.Duration {
	return c.skew
}

// Load replaces the in-memory contents with the persisted document. An
// empty storage yields an empty cache.
func (c *CredentialCache) Load(ctx context.Context) error {
	data, err := c.storage.Read(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.mu.Lock()
			c.contents = newContents()
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("cache: load: %w", err)
	}
	return c.Deserialize(data)
}

// Watch reloads the cache whenever the storage reports an external change.
// It is a no-op for storages that do not implement storage.Watcher.
func (c *CredentialCache) Watch(ctx context.Context) error {
	w, ok := c.storage.(storage.Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func() {
		if err := c.Load(ctx); err != nil {
			c.logger.Warn("cache reload failed", zap.Error(err))
			return
		}
		c.logger.Debug("cache reloaded from storage")
	})
}

// SetAccount stores or replaces an account.
func (c *CredentialCache) SetAccount(ctx context.Context, account Account) error {
	return c.mutate(ctx, func(ct *contents) {
		ct.Accounts[account.Key()] = account
	})
}

// GetAccount returns the account with the given identity.
func (c *CredentialCache) GetAccount(homeAccountID, environment string) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.contents.Accounts[joinKey(homeAccountID, environment)]
	return a, ok
}

// GetAllAccounts returns every cached account ordered by key.
func (c *CredentialCache) GetAllAccounts() []Account {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(c.contents.Accounts))
	out := make([]Account, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.contents.Accounts[k])
	}
	return out
}

// SetCredential stores or replaces a credential under its key.
func (c *CredentialCache) SetCredential(ctx context.Context, cred Credential) error {
	switch v := cred.(type) {
	case IDToken:
		return c.Save(ctx, Entry{IDToken: &v})
	case AccessToken:
		return c.Save(ctx, Entry{AccessToken: &v})
	case RefreshToken:
		return c.Save(ctx, Entry{RefreshToken: &v})
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedCredential, cred)
	}
}

// GetAccessToken returns the best unexpired access token for account,
// clientID and realm whose target covers every requested scope. When more
// than one token qualifies the most recently cached one wins; tokens cached
// in the same second are ordered by preferAccessToken. A miss is reported
// as false, never as an error.
func (c *CredentialCache) GetAccessToken(account Account, clientID string, scopes []string, realm string) (AccessToken, bool) {
	requested := NormalizeScopes(scopes)
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best AccessToken
	found := false
	for _, at := range c.contents.AccessTokens {
		if !sameAccount(at.HomeAccountID, at.Environment, account) {
			continue
		}
		if !equalFold(at.ClientID, clientID) || !equalFold(at.Realm, realm) {
			continue
		}
		if !targetContains(at.Target, requested) {
			continue
		}
		if at.Expired(now, c.skew) {
			continue
		}
		if !found || preferAccessToken(at, best) {
			best = at
			found = true
		}
	}
	return best, found
}

// preferAccessToken reports whether a ranks ahead of b: later cachedAt,
// then later expiresOn, then the wider target, then the greater key. The
// order is total so map iteration order never decides a lookup.
func preferAccessToken(a, b AccessToken) bool {
	if !a.CachedAt.Equal(b.CachedAt.Time) {
		return a.CachedAt.After(b.CachedAt.Time)
	}
	if !a.ExpiresOn.Equal(b.ExpiresOn.Time) {
		return a.ExpiresOn.After(b.ExpiresOn.Time)
	}
	if na, nb := len(strings.Fields(a.Target)), len(strings.Fields(b.Target)); na != nb {
		return na > nb
	}
	return a.Key() > b.Key()
}

// GetRefreshToken returns the refresh token for account and clientID. When
// the client belongs to a refresh token family, any refresh token of the
// same family for the account is accepted.
func (c *CredentialCache) GetRefreshToken(account Account, clientID string) (RefreshToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rt, ok := c.contents.RefreshTokens[joinKey(account.HomeAccountID, account.Environment, string(CredentialTypeRefreshToken), clientID)]
	if ok {
		return rt, true
	}

	meta, ok := c.contents.AppMetadata[joinKey("appmetadata", account.Environment, clientID)]
	if !ok || meta.FamilyID == "" {
		return RefreshToken{}, false
	}

	keys := slices.Sorted(maps.Keys(c.contents.RefreshTokens))
	for _, k := range keys {
		rt := c.contents.RefreshTokens[k]
		if sameAccount(rt.HomeAccountID, rt.Environment, account) && rt.FamilyID == meta.FamilyID {
			return rt, true
		}
	}
	return RefreshToken{}, false
}

// GetIDToken returns the ID token for account, clientID and realm.
func (c *CredentialCache) GetIDToken(account Account, clientID, realm string) (IDToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.contents.IDTokens[joinKey(account.HomeAccountID, account.Environment, string(CredentialTypeIDToken), clientID, realm)]
	return t, ok
}

// RemoveAccount deletes the account and every credential bound to it.
func (c *CredentialCache) RemoveAccount(ctx context.Context, homeAccountID, environment string) error {
	account := Account{HomeAccountID: homeAccountID, Environment: environment}
	return c.mutate(ctx, func(ct *contents) {
		delete(ct.Accounts, account.Key())
		maps.DeleteFunc(ct.IDTokens, func(_ string, t IDToken) bool {
			return sameAccount(t.HomeAccountID, t.Environment, account)
		})
		maps.DeleteFunc(ct.AccessTokens, func(_ string, t AccessToken) bool {
			return sameAccount(t.HomeAccountID, t.Environment, account)
		})
		maps.DeleteFunc(ct.RefreshTokens, func(_ string, t RefreshToken) bool {
			return sameAccount(t.HomeAccountID, t.Environment, account)
		})
	})
}

// RemoveRefreshToken deletes rt. The stored token is only removed while it
// still holds rt's secret, so a token rotated by a concurrent refresh
// survives.
func (c *CredentialCache) RemoveRefreshToken(ctx context.Context, rt RefreshToken) error {
	return c.mutate(ctx, func(ct *contents) {
		if cur, ok := ct.RefreshTokens[rt.Key()]; ok && cur.Secret == rt.Secret {
			delete(ct.RefreshTokens, rt.Key())
		}
	})
}

// SetAppMetadata stores or replaces app metadata.
func (c *CredentialCache) SetAppMetadata(ctx context.Context, meta AppMetadata) error {
	return c.Save(ctx, Entry{AppMetadata: &meta})
}

// GetAppMetadata returns the metadata for clientID at environment.
func (c *CredentialCache) GetAppMetadata(clientID, environment string) (AppMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.contents.AppMetadata[joinKey("appmetadata", environment, clientID)]
	return m, ok
}

// Save commits every non-nil entity of e in one write. Access tokens that
// are past their hard expiry are evicted as part of the same commit.
func (c *CredentialCache) Save(ctx context.Context, e Entry) error {
	now := c.now()
	return c.mutate(ctx, func(ct *contents) {
		if e.Account != nil {
			ct.Accounts[e.Account.Key()] = *e.Account
		}
		if e.IDToken != nil {
			ct.IDTokens[e.IDToken.Key()] = *e.IDToken
		}
		if e.AccessToken != nil {
			ct.AccessTokens[e.AccessToken.Key()] = *e.AccessToken
		}
		if e.RefreshToken != nil {
			ct.RefreshTokens[e.RefreshToken.Key()] = *e.RefreshToken
		}
		if e.AppMetadata != nil {
			ct.AppMetadata[e.AppMetadata.Key()] = *e.AppMetadata
		}
		maps.DeleteFunc(ct.AccessTokens, func(_ string, t AccessToken) bool {
			return t.Expired(now, 0)
		})
	})
}

// mutate applies fn under the write lock and persists the result. The
// previous contents are restored if persisting fails.
func (c *CredentialCache) mutate(ctx context.Context, fn func(*contents)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.contents
	next := prev.clone()
	fn(next)

	data, err := next.marshal()
	if err != nil {
		return fmt.Errorf("cache: serialize: %w", err)
	}
	if err := c.storage.Write(ctx, data); err != nil {
		c.logger.Error("cache persist failed", zap.Error(err))
		return fmt.Errorf("cache: persist: %w", err)
	}

	c.contents = next
	return nil
}

func sameAccount(homeAccountID, environment string, account Account) bool {
	return equalFold(homeAccountID, account.HomeAccountID) && equalFold(environment, account.Environment)
}
