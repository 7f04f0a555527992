package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AuthorityResolver validates authorities and resolves their metadata.
// Concurrent resolutions of the same authority share one fetch.
type AuthorityResolver struct {
	httpClient HTTPClient
	cache      *metadataCache
	static     map[string]*AuthorityMetadata
	known      []string
	patterns   []string
	skipTrust  bool
	timeout    time.Duration
	now        func() time.Time
	logger     *zap.Logger
	metrics    *Metrics
	group      singleflight.Group
}

// NewAuthorityResolver creates a resolver from a validated Config.
func NewAuthorityResolver(cfg *Config) *AuthorityResolver {
	static := make(map[string]*AuthorityMetadata, len(cfg.AuthorityMetadata))
	for raw, md := range cfg.AuthorityMetadata {
		if a, err := ParseAuthority(raw); err == nil {
			static[a.String()] = md
		}
	}

	return &AuthorityResolver{
		httpClient: cfg.HTTPClient,
		cache:      newMetadataCache(100, cfg.MetadataTTL, cfg.Now),
		static:     static,
		known:      cfg.KnownAuthorities,
		patterns:   cfg.TrustedHostPatterns,
		skipTrust:  cfg.SkipAuthorityValidation,
		timeout:    cfg.Timeout,
		now:        cfg.Now,
		logger:     cfg.Logger,
		metrics:    GetMetrics(),
	}
}

// Resolve returns the metadata for authority, fetching the discovery
// document when nothing usable is cached.
func (r *AuthorityResolver) Resolve(ctx context.Context, authority string) (*AuthorityMetadata, error) {
	return r.resolve(ctx, authority, false)
}

// Refresh re-fetches the metadata for authority regardless of the cache.
func (r *AuthorityResolver) Refresh(ctx context.Context, authority string) (*AuthorityMetadata, error) {
	return r.resolve(ctx, authority, true)
}

// Invalidate drops any cached metadata for authority.
func (r *AuthorityResolver) Invalidate(authority string) {
	if a, err := ParseAuthority(authority); err == nil {
		r.cache.delete(a.String())
	}
}

// Close releases background resources.
func (r *AuthorityResolver) Close() {
	r.cache.Close()
}

func (r *AuthorityResolver) resolve(ctx context.Context, authority string, force bool) (*AuthorityMetadata, error) {
	ctx, correlationID := ensureCorrelationID(ctx)

	a, err := r.validate(authority, correlationID)
	if err != nil {
		return nil, err
	}
	key := a.String()

	if md, ok := r.static[key]; ok {
		return md, nil
	}

	if !force {
		if md := r.cache.get(key); md != nil {
			return md, nil
		}
	}

	flightKey := key
	if force {
		flightKey = "refresh:" + key
	}

	ch := r.group.DoChan(flightKey, func() (interface{}, error) {
		if !force {
			if md := r.cache.get(key); md != nil {
				return md, nil
			}
		}

		// the fetch outlives any single waiter so a cancelled caller does
		// not fail the others
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		md, err := r.fetch(fetchCtx, a, correlationID)
		if err != nil {
			r.metrics.recordDiscovery("error")
			return nil, err
		}
		r.metrics.recordDiscovery("success")
		r.cache.set(key, md)
		return md, nil
	})

	select {
	case <-ctx.Done():
		return nil, newAuthError(ErrTransientServer, StageDiscovery, correlationID, ctx.Err())
	case res := <-ch:
		if res.Shared {
			r.metrics.recordCoalesced("discovery")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AuthorityMetadata), nil
	}
}

// validate parses authority and applies the host trust rules.
func (r *AuthorityResolver) validate(authority, correlationID string) (Authority, error) {
	a, err := ParseAuthority(authority)
	if err != nil {
		return Authority{}, &AuthError{
			Kind:          ErrAuthorityDiscovery,
			Stage:         StageDiscovery,
			CorrelationID: correlationID,
			Err:           fmt.Errorf("%w: %v", ErrUntrustedAuthority, err),
		}
	}

	if _, ok := r.static[a.String()]; ok {
		return a, nil
	}
	if !r.skipTrust && !hostTrusted(a.Host, r.known, r.patterns) {
		return Authority{}, &AuthError{
			Kind:          ErrAuthorityDiscovery,
			Stage:         StageDiscovery,
			CorrelationID: correlationID,
			Err:           fmt.Errorf("%w: host %s", ErrUntrustedAuthority, a.Host),
		}
	}
	return a, nil
}

// fetch retrieves and validates the discovery document for a.
func (r *AuthorityResolver) fetch(ctx context.Context, a Authority, correlationID string) (*AuthorityMetadata, error) {
	ctx, span := startSpan(ctx, "oauth.discovery", trace.SpanKindClient,
		attribute.String("oauth.authority", a.String()),
		attribute.String("oauth.correlation_id", correlationID))
	md, err := r.fetchDocument(ctx, a, correlationID)
	endSpan(span, err)
	return md, err
}

func (r *AuthorityResolver) fetchDocument(ctx context.Context, a Authority, correlationID string) (*AuthorityMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.DiscoveryURL(), nil)
	if err != nil {
		return nil, newAuthError(ErrAuthorityDiscovery, StageDiscovery, correlationID, err)
	}

	resp, err := doRequest(r.httpClient, req, StageDiscovery, correlationID)
	if err != nil {
		r.logger.Warn("authority discovery request failed",
			zap.String("authority", a.String()),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		e := newAuthError(ErrAuthorityDiscovery, StageDiscovery, correlationID,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
		e.StatusCode = resp.StatusCode
		return nil, e
	}

	var md AuthorityMetadata
	if err := json.Unmarshal(resp.Body, &md); err != nil {
		return nil, newAuthError(ErrAuthorityDiscovery, StageDiscovery, correlationID,
			fmt.Errorf("parse discovery document: %w", err))
	}
	if err := md.Validate(); err != nil {
		return nil, newAuthError(ErrAuthorityDiscovery, StageDiscovery, correlationID, err)
	}
	if !issuerConsistent(a, md.Issuer) {
		return nil, newAuthError(ErrAuthorityDiscovery, StageDiscovery, correlationID,
			fmt.Errorf("issuer %s does not belong to authority %s", md.Issuer, a))
	}

	md.FetchedAt = r.now()

	r.logger.Debug("authority metadata resolved",
		zap.String("authority", a.String()),
		zap.String("issuer", md.Issuer),
		zap.String("correlation_id", correlationID))

	return &md, nil
}
