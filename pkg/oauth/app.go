package oauth

import (
	"context"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
)

// Application is the entry point for a public or confidential client. It
// owns the credential cache and composes the interactive and silent flows.
// It is safe for concurrent use.
type Application struct {
	config    *Config
	cache     *cache.CredentialCache
	resolver  *AuthorityResolver
	validator *TokenValidator
	pending   *pendingStore
	authCode  *AuthCodeFlow
	silent    *SilentFlow
	logger    *zap.Logger

	stopWatch context.CancelFunc
	closeOnce sync.Once
}

// New validates config, loads the credential cache from storage and wires
// the flows.
func New(ctx context.Context, config *Config) (*Application, error) {
	if err := config.Validate(); err != nil {
		return nil, asAuthError(err, ErrInvalidConfiguration, StageConfig, "")
	}

	logger := config.Logger.With(zap.String("client_id", config.ClientID))

	credentials := cache.New(cache.Options{
		Storage: config.CacheStorage,
		Logger:  logger.Named("cache"),
		Skew:    config.ClockSkew,
		Now:     config.Now,
	})
	if err := credentials.Load(ctx); err != nil {
		return nil, newAuthError(ErrInvalidConfiguration, StageCache, "", err)
	}

	pending, err := newPendingStore(ctx, config.PendingStorage, config.PendingTTL, config.Now, logger.Named("pending"))
	if err != nil {
		return nil, newAuthError(ErrInvalidConfiguration, StageConfig, "", err)
	}

	resolver := NewAuthorityResolver(config)
	validator := NewTokenValidator(config)
	tokens := newTokenClient(config)
	handler := &responseHandler{
		clientID:  config.ClientID,
		crypto:    config.Crypto,
		validator: validator,
		cache:     credentials,
		now:       config.Now,
		logger:    logger,
	}

	app := &Application{
		config:    config,
		cache:     credentials,
		resolver:  resolver,
		validator: validator,
		pending:   pending,
		authCode:  newAuthCodeFlow(config, resolver, tokens, pending, handler),
		silent:    newSilentFlow(config, credentials, resolver, tokens, handler),
		logger:    logger,
		stopWatch: func() {},
	}

	if config.WatchCache {
		watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if err := credentials.Watch(watchCtx); err != nil {
			cancel()
			app.Close()
			return nil, newAuthError(ErrInvalidConfiguration, StageCache, "", err)
		}
		app.stopWatch = cancel
	}

	return app, nil
}

// BeginInteractive starts an interactive sign-in. Send the user to the
// returned URL and pass the redirect query to CompleteInteractive.
func (a *Application) BeginInteractive(ctx context.Context, req AuthorizationRequest) (*PendingAuthorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, newAuthError(ErrInvalidRequest, StageAuthorize, "", err)
	}
	return a.authCode.BuildAuthorizationURL(ctx, req)
}

// CompleteInteractive handles the redirect query of a sign-in started with
// BeginInteractive and redeems its code.
func (a *Application) CompleteInteractive(ctx context.Context, params url.Values) (*TokenResult, error) {
	ctx, correlationID := ensureCorrelationID(ctx)

	ctx, span := startSpan(ctx, "oauth.complete_interactive", trace.SpanKindInternal,
		attribute.String("oauth.correlation_id", correlationID))

	rec, code, err := a.authCode.HandleRedirectResponse(ctx, params)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	res, err := a.authCode.ExchangeCode(ctx, code, rec)
	endSpan(span, err)
	return res, err
}

// AcquireTokenSilent returns a token for req.Account without interaction.
// Use IsInteractionRequired to decide when to fall back to
// BeginInteractive.
func (a *Application) AcquireTokenSilent(ctx context.Context, req SilentRequest) (*TokenResult, error) {
	return a.silent.AcquireTokenSilent(ctx, req)
}

// Accounts returns every account in the cache.
func (a *Application) Accounts(ctx context.Context) ([]cache.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, newAuthError(ErrInvalidRequest, StageCache, "", err)
	}
	return a.cache.GetAllAccounts(), nil
}

// RemoveAccount signs account out by deleting it and all of its
// credentials from the cache.
func (a *Application) RemoveAccount(ctx context.Context, account cache.Account) error {
	ctx, correlationID := ensureCorrelationID(ctx)

	if err := a.cache.RemoveAccount(ctx, account.HomeAccountID, account.Environment); err != nil {
		return newAuthError(ErrTransientServer, StageCache, correlationID, err)
	}
	a.logger.Info("account removed",
		zap.String("correlation_id", correlationID),
		zap.String("home_account_id", account.HomeAccountID))
	return nil
}

// TokenSource adapts silent acquisition to oauth2.TokenSource so the cache
// can back an oauth2.NewClient. Tokens are reused until they come within
// the configured clock skew of expiry.
func (a *Application) TokenSource(ctx context.Context, account cache.Account, scopes ...string) oauth2.TokenSource {
	src := &silentTokenSource{
		ctx: ctx,
		app: a,
		req: SilentRequest{Account: account, Scopes: scopes},
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, src, a.config.ClockSkew)
}

type silentTokenSource struct {
	ctx context.Context
	app *Application
	req SilentRequest
}

func (s *silentTokenSource) Token() (*oauth2.Token, error) {
	res, err := s.app.AcquireTokenSilent(s.ctx, s.req)
	if err != nil {
		return nil, err
	}
	return res.OAuth2Token(), nil
}

// Cache returns the credential cache.
func (a *Application) Cache() *cache.CredentialCache {
	return a.cache
}

// Resolver returns the authority resolver.
func (a *Application) Resolver() *AuthorityResolver {
	return a.resolver
}

// Close stops background work. The cache contents remain in storage.
func (a *Application) Close() error {
	a.closeOnce.Do(func() {
		a.stopWatch()
		a.pending.Close()
		a.resolver.Close()
	})
	return nil
}
