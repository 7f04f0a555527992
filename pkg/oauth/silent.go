package oauth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
)

// Token endpoint error codes that mean the user has to sign in again.
const (
	errCodeInvalidGrant        = "invalid_grant"
	errCodeInteractionRequired = "interaction_required"
	errCodeLoginRequired       = "login_required"
	errCodeConsentRequired     = "consent_required"
)

// SilentRequest asks for a token without user interaction.
type SilentRequest struct {
	// Account is the signed-in account, as returned by Accounts.
	Account cache.Account

	// Scopes default to Config.Scopes.
	Scopes []string

	// Authority defaults to Config.Authority.
	Authority string

	// ForceRefresh skips the access token lookup and always redeems the
	// refresh token.
	ForceRefresh bool
}

// SilentFlow serves tokens from the cache and refreshes them when needed.
// Concurrent refreshes for the same account, client, realm and scopes
// share one redemption.
type SilentFlow struct {
	clientID  string
	authority string
	scopes    []string
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   *Metrics

	cache    *cache.CredentialCache
	resolver *AuthorityResolver
	tokens   *tokenClient
	handler  *responseHandler
	group    singleflight.Group
}

func newSilentFlow(cfg *Config, c *cache.CredentialCache, resolver *AuthorityResolver, tokens *tokenClient, handler *responseHandler) *SilentFlow {
	return &SilentFlow{
		clientID:  cfg.ClientID,
		authority: cfg.Authority,
		scopes:    cfg.Scopes,
		timeout:   cfg.Timeout,
		now:       cfg.Now,
		logger:    cfg.Logger,
		metrics:   GetMetrics(),
		cache:     c,
		resolver:  resolver,
		tokens:    tokens,
		handler:   handler,
	}
}

// AcquireTokenSilent returns a cached access token or redeems the cached
// refresh token for a new one.
func (f *SilentFlow) AcquireTokenSilent(ctx context.Context, req SilentRequest) (*TokenResult, error) {
	ctx, correlationID := ensureCorrelationID(ctx)

	ctx, span := startSpan(ctx, "oauth.acquire_token_silent", trace.SpanKindInternal,
		attribute.String("oauth.correlation_id", correlationID),
		attribute.Bool("oauth.force_refresh", req.ForceRefresh))
	res, err := f.acquire(ctx, req, correlationID)
	if err == nil {
		span.SetAttributes(attribute.String("oauth.source", string(res.Source)))
	}
	endSpan(span, err)
	return res, err
}

func (f *SilentFlow) acquire(ctx context.Context, req SilentRequest, correlationID string) (*TokenResult, error) {
	if req.Account.IsZero() {
		return nil, newAuthError(ErrInvalidRequest, StageCache, correlationID, errors.New("account is required"))
	}
	if req.Authority == "" {
		req.Authority = f.authority
	}
	if len(req.Scopes) == 0 {
		req.Scopes = f.scopes
	}
	if req.Authority == "" {
		return nil, newAuthError(ErrInvalidRequest, StageCache, correlationID, errors.New("authority is required"))
	}

	authority, err := ParseAuthority(req.Authority)
	if err != nil {
		return nil, newAuthError(ErrInvalidRequest, StageCache, correlationID, err)
	}
	if stored, ok := f.cache.GetAccount(req.Account.HomeAccountID, req.Account.Environment); ok {
		req.Account = stored
	}
	realm := authority.Realm(req.Account.Realm)

	if !req.ForceRefresh {
		at, ok := f.cache.GetAccessToken(req.Account, f.clientID, req.Scopes, realm)
		if !ok {
			f.metrics.recordCacheLookup("miss")
		} else {
			f.metrics.recordCacheLookup("hit")
			idt, _ := f.cache.GetIDToken(req.Account, f.clientID, realm)
			cached := resultFromCache(at, idt, req.Account)
			if !at.NeedsRefresh(f.now()) {
				return cached, nil
			}

			res, err := f.refresh(ctx, req, authority, realm, correlationID)
			if err == nil {
				return res, nil
			}
			if IsRetryable(err) {
				f.logger.Info("proactive refresh failed, serving cached token",
					zap.String("correlation_id", correlationID),
					zap.Error(err))
				return cached, nil
			}
			return nil, err
		}
	}

	return f.refresh(ctx, req, authority, realm, correlationID)
}

// refresh coalesces identical redemptions. The shared redemption runs
// detached from the callers; a caller whose context ends stops waiting
// without affecting the others.
func (f *SilentFlow) refresh(ctx context.Context, req SilentRequest, authority Authority, realm, correlationID string) (*TokenResult, error) {
	key := strings.ToLower(strings.Join([]string{
		req.Account.HomeAccountID,
		req.Account.Environment,
		f.clientID,
		realm,
		cache.Target(req.Scopes),
		strconv.FormatBool(req.ForceRefresh),
	}, "|"))

	ch := f.group.DoChan(key, func() (interface{}, error) {
		if !req.ForceRefresh {
			// a flight that finished while this one queued may have
			// produced what we need
			if at, ok := f.cache.GetAccessToken(req.Account, f.clientID, req.Scopes, realm); ok && !at.NeedsRefresh(f.now()) {
				idt, _ := f.cache.GetIDToken(req.Account, f.clientID, realm)
				return resultFromCache(at, idt, req.Account), nil
			}
		}

		redeemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return f.redeem(redeemCtx, req, authority, correlationID)
	})

	select {
	case <-ctx.Done():
		return nil, newAuthError(ErrTransientServer, StageRefresh, correlationID, ctx.Err())
	case res := <-ch:
		if res.Shared {
			f.metrics.recordCoalesced("refresh")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*TokenResult)
		return &out, nil
	}
}

func (f *SilentFlow) redeem(ctx context.Context, req SilentRequest, authority Authority, correlationID string) (*TokenResult, error) {
	rt, ok := f.cache.GetRefreshToken(req.Account, f.clientID)
	if !ok {
		return nil, newAuthError(ErrNoCredentials, StageCache, correlationID,
			errors.New("no refresh token for account"))
	}

	md, err := f.resolver.Resolve(ctx, req.Authority)
	if err != nil {
		return nil, err
	}

	tr, err := f.tokens.redeemRefreshToken(ctx, md, rt.Secret, req.Scopes)
	if err != nil {
		return nil, f.classify(ctx, err, rt, correlationID)
	}

	account := req.Account
	return f.handler.commit(ctx, tokenCommit{
		metadata:      md,
		authority:     authority,
		response:      tr,
		requested:     req.Scopes,
		prior:         &account,
		stage:         StageRefresh,
		correlationID: correlationID,
	})
}

// classify maps a failed redemption to an error kind. A refresh token the
// authority reports as invalid is removed so the next call goes straight
// to interaction.
func (f *SilentFlow) classify(ctx context.Context, err error, rt cache.RefreshToken, correlationID string) error {
	var te *tokenError
	if !errors.As(err, &te) {
		return asAuthError(err, ErrTransientServer, StageRefresh, correlationID)
	}

	switch {
	case te.transient():
		return te.authError(ErrTransientServer, StageRefresh, correlationID)

	case te.Body.Error == errCodeInvalidGrant:
		if rmErr := f.cache.RemoveRefreshToken(ctx, rt); rmErr != nil {
			f.logger.Error("failed to remove rejected refresh token",
				zap.String("correlation_id", correlationID),
				zap.String("home_account_id", rt.HomeAccountID),
				zap.Error(rmErr))
		}
		return te.authError(ErrInteractionRequired, StageRefresh, correlationID)

	case te.Body.Error == errCodeInteractionRequired,
		te.Body.Error == errCodeLoginRequired,
		te.Body.Error == errCodeConsentRequired:
		return te.authError(ErrInteractionRequired, StageRefresh, correlationID)
	}

	return te.authError(ErrTokenExchange, StageRefresh, correlationID)
}
