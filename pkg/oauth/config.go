package oauth

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
	"github.com/jeremyhahn/go-tokenkit/pkg/storage"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMetadataTTL = 24 * time.Hour
	defaultPendingTTL  = 10 * time.Minute
)

// Config contains the complete engine configuration.
type Config struct {
	// ClientID is the OAuth client identifier registered at the authority.
	ClientID string

	// ClientSecret is sent on token requests for confidential clients.
	// Public clients leave it empty and rely on PKCE alone.
	ClientSecret string

	// Authority is the default authority URL, for example
	// https://login.microsoftonline.com/common. Requests may override it.
	Authority string

	// RedirectURI is the default redirect URI for interactive sign-in.
	RedirectURI string

	// Scopes are requested when a request does not name its own.
	Scopes []string

	// KnownAuthorities lists additional trusted authority hosts.
	KnownAuthorities []string

	// TrustedHostPatterns lists path.Match style host globs, such as
	// *.okta.com, that are trusted in addition to KnownAuthorities.
	TrustedHostPatterns []string

	// SkipAuthorityValidation trusts any https authority host.
	SkipAuthorityValidation bool

	// AuthorityMetadata supplies static metadata keyed by authority URL.
	// Discovery is skipped for these authorities.
	AuthorityMetadata map[string]*AuthorityMetadata

	// ClockSkew is the expiry safety margin applied to cached access tokens
	// and ID token validation. Default: 300s
	ClockSkew time.Duration

	// MetadataTTL is how long discovered metadata is reused. Default: 24h
	MetadataTTL time.Duration

	// PendingTTL is how long an authorization request waits for its
	// redirect. Default: 10m
	PendingTTL time.Duration

	// Timeout bounds every network call. Default: 30s
	Timeout time.Duration

	// HTTPClient overrides the default transport.
	HTTPClient HTTPClient

	// TLSConfig customizes the default transport's TLS settings.
	TLSConfig *tls.Config

	// Crypto overrides the platform crypto primitives.
	Crypto Crypto

	// CacheStorage persists the credential cache. Default: in memory
	CacheStorage storage.Storage

	// PendingStorage persists in-flight authorization requests so a
	// redirect can be completed by another process. Default: in memory
	PendingStorage storage.Storage

	// WatchCache reloads the cache when CacheStorage reports external
	// changes.
	WatchCache bool

	// Logger receives engine diagnostics. Default: zap.NewNop()
	Logger *zap.Logger

	// Now returns the current time. Default: time.Now
	Now func() time.Time
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfiguration)
	}

	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidConfiguration)
	}

	if c.Authority != "" {
		if _, err := ParseAuthority(c.Authority); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
	}

	if c.RedirectURI != "" {
		u, err := url.Parse(c.RedirectURI)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("%w: redirect_uri must be an absolute url", ErrInvalidConfiguration)
		}
		if u.Fragment != "" {
			return fmt.Errorf("%w: redirect_uri must not contain a fragment", ErrInvalidConfiguration)
		}
	}

	for authority, md := range c.AuthorityMetadata {
		if _, err := ParseAuthority(authority); err != nil {
			return fmt.Errorf("%w: static metadata: %v", ErrInvalidConfiguration, err)
		}
		if err := md.Validate(); err != nil {
			return fmt.Errorf("%w: static metadata for %s: %v", ErrInvalidConfiguration, authority, err)
		}
	}

	if c.ClockSkew <= 0 {
		c.ClockSkew = cache.DefaultSkew
	}
	if c.MetadataTTL <= 0 {
		c.MetadataTTL = defaultMetadataTTL
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = defaultPendingTTL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Crypto == nil {
		c.Crypto = SystemCrypto{}
	}
	if c.CacheStorage == nil {
		c.CacheStorage = storage.NewMemory()
	}
	if c.PendingStorage == nil {
		c.PendingStorage = storage.NewMemory()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.HTTPClient == nil {
		c.HTTPClient = newDefaultHTTPClient(c.Timeout, c.TLSConfig, c.Logger)
	}

	return nil
}
