package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// stateEntropyBytes is the size of the random state and nonce values.
const stateEntropyBytes = 32

// reservedAuthParams are set by the flow itself. Extra query parameters may
// not replace them, or the URL would stop matching the pending record.
var reservedAuthParams = map[string]bool{
	"state":                 true,
	"nonce":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
	"response_type":         true,
	"client_id":             true,
	"redirect_uri":          true,
	"scope":                 true,
	"client-request-id":     true,
	"client_info":           true,
}

// AuthorizationRequest describes one interactive sign-in. Empty fields fall
// back to the Config defaults.
type AuthorizationRequest struct {
	Authority   string
	Scopes      []string
	RedirectURI string

	// LoginHint pre-fills the username at the authority.
	LoginHint string

	// DomainHint skips home realm discovery at authorities that support it.
	DomainHint string

	// Prompt is passed through, for example select_account or consent.
	Prompt string

	// ExtraQueryParameters are appended to the authorization URL. Parameters
	// the flow sets itself, such as state or code_challenge, are rejected.
	ExtraQueryParameters map[string]string
}

// PendingAuthorization is handed to the caller, who sends the user to URL.
type PendingAuthorization struct {
	URL           string
	State         string
	CorrelationID string
	ExpiresAt     time.Time
}

// AuthCodeFlow runs the authorization code flow with PKCE.
type AuthCodeFlow struct {
	clientID    string
	authority   string
	redirectURI string
	scopes      []string
	pendingTTL  time.Duration
	crypto      Crypto
	now         func() time.Time
	logger      *zap.Logger

	pkce     *PKCEGenerator
	resolver *AuthorityResolver
	tokens   *tokenClient
	pending  *pendingStore
	handler  *responseHandler
}

func newAuthCodeFlow(cfg *Config, resolver *AuthorityResolver, tokens *tokenClient, pending *pendingStore, handler *responseHandler) *AuthCodeFlow {
	return &AuthCodeFlow{
		clientID:    cfg.ClientID,
		authority:   cfg.Authority,
		redirectURI: cfg.RedirectURI,
		scopes:      cfg.Scopes,
		pendingTTL:  cfg.PendingTTL,
		crypto:      cfg.Crypto,
		now:         cfg.Now,
		logger:      cfg.Logger,
		pkce:        NewPKCEGenerator(cfg.Crypto),
		resolver:    resolver,
		tokens:      tokens,
		pending:     pending,
		handler:     handler,
	}
}

// BuildAuthorizationURL prepares a sign-in request. The pending record,
// including the PKCE verifier and nonce, is persisted before the URL is
// returned so the redirect can be handled after a restart.
func (f *AuthCodeFlow) BuildAuthorizationURL(ctx context.Context, req AuthorizationRequest) (*PendingAuthorization, error) {
	ctx, correlationID := ensureCorrelationID(ctx)

	invalid := func(msg string) error {
		return newAuthError(ErrInvalidRequest, StageAuthorize, correlationID, errors.New(msg))
	}

	if req.Authority == "" {
		req.Authority = f.authority
	}
	if req.RedirectURI == "" {
		req.RedirectURI = f.redirectURI
	}
	if len(req.Scopes) == 0 {
		req.Scopes = f.scopes
	}
	switch {
	case req.Authority == "":
		return nil, invalid("authority is required")
	case req.RedirectURI == "":
		return nil, invalid("redirect_uri is required")
	case len(req.Scopes) == 0:
		return nil, invalid("at least one scope is required")
	}
	for k := range req.ExtraQueryParameters {
		if reservedAuthParams[strings.ToLower(k)] {
			return nil, invalid(fmt.Sprintf("query parameter %q is reserved", k))
		}
	}

	md, err := f.resolver.Resolve(ctx, req.Authority)
	if err != nil {
		return nil, err
	}

	codes, err := f.pkce.Generate()
	if err != nil {
		return nil, asAuthError(err, ErrCryptoUnavailable, StageAuthorize, correlationID)
	}
	state, err := randomString(f.crypto, stateEntropyBytes)
	if err != nil {
		return nil, newAuthError(ErrCryptoUnavailable, StageAuthorize, correlationID, err)
	}
	nonce, err := randomString(f.crypto, stateEntropyBytes)
	if err != nil {
		return nil, newAuthError(ErrCryptoUnavailable, StageAuthorize, correlationID, err)
	}

	now := f.now()
	rec := &PendingRecord{
		State:         state,
		Nonce:         nonce,
		CodeVerifier:  codes.Verifier,
		Authority:     req.Authority,
		ClientID:      f.clientID,
		RedirectURI:   req.RedirectURI,
		Scopes:        req.Scopes,
		CorrelationID: correlationID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(f.pendingTTL),
		FlowState:     FlowIdle,
	}
	if err := rec.transition(FlowRequestBuilt); err != nil {
		return nil, newAuthError(ErrInvalidTransition, StageAuthorize, correlationID, err)
	}

	oauthCfg := &oauth2.Config{
		ClientID: f.clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
		RedirectURL: req.RedirectURI,
		Scopes:      withReservedScopes(req.Scopes),
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codes.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", codes.Method),
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("client_info", "1"),
		oauth2.SetAuthURLParam("client-request-id", correlationID),
	}
	if req.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", req.LoginHint))
	}
	if req.DomainHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("domain_hint", req.DomainHint))
	}
	if req.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", req.Prompt))
	}
	for k, v := range req.ExtraQueryParameters {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	authURL := oauthCfg.AuthCodeURL(state, opts...)

	if err := rec.transition(FlowAwaitingRedirect); err != nil {
		return nil, newAuthError(ErrInvalidTransition, StageAuthorize, correlationID, err)
	}
	if err := f.pending.put(ctx, rec); err != nil {
		return nil, newAuthError(ErrTransientServer, StageAuthorize, correlationID, err)
	}

	f.logger.Debug("authorization request built",
		zap.String("correlation_id", correlationID),
		zap.String("authority", req.Authority),
		zap.String("client_id", f.clientID))

	return &PendingAuthorization{
		URL:           authURL,
		State:         state,
		CorrelationID: correlationID,
		ExpiresAt:     rec.ExpiresAt,
	}, nil
}

// HandleRedirectResponse matches the redirect query to its pending record
// and returns the record with the authorization code. The record is
// consumed whether or not the redirect carried a code.
func (f *AuthCodeFlow) HandleRedirectResponse(ctx context.Context, params url.Values) (*PendingRecord, string, error) {
	ctx, correlationID := ensureCorrelationID(ctx)

	rec, err := f.pending.take(ctx, params.Get("state"))
	if err != nil {
		kind := ErrStateMismatch
		if !errors.Is(err, ErrStateMismatch) {
			kind = ErrTransientServer
		}
		return nil, "", newAuthError(kind, StageRedirect, correlationID, err)
	}
	if rec.CorrelationID != "" {
		correlationID = rec.CorrelationID
	}

	if code := params.Get("error"); code != "" {
		_ = rec.transition(FlowFailed)
		f.logger.Info("authority returned an error on redirect",
			zap.String("correlation_id", correlationID),
			zap.String("error", code))
		return rec, "", &AuthError{
			Kind:          ErrAuthorization,
			Stage:         StageRedirect,
			CorrelationID: correlationID,
			Code:          code,
			Description:   params.Get("error_description"),
			SubError:      params.Get("suberror"),
		}
	}

	code := params.Get("code")
	if code == "" {
		_ = rec.transition(FlowFailed)
		return rec, "", newAuthError(ErrAuthorization, StageRedirect, correlationID,
			errors.New("redirect has no code"))
	}

	if err := rec.transition(FlowCodeReceived); err != nil {
		return rec, "", newAuthError(ErrInvalidTransition, StageRedirect, correlationID, err)
	}
	return rec, code, nil
}

// ExchangeCode redeems code for tokens, validates the ID token against the
// record's nonce and commits the result to the cache.
func (f *AuthCodeFlow) ExchangeCode(ctx context.Context, code string, rec *PendingRecord) (*TokenResult, error) {
	if rec == nil {
		return nil, newAuthError(ErrInvalidRequest, StageTokenExchange, "", errors.New("pending record is nil"))
	}
	if rec.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, rec.CorrelationID)
	}
	ctx, correlationID := ensureCorrelationID(ctx)

	ctx, span := startSpan(ctx, "oauth.exchange_code", trace.SpanKindInternal,
		attribute.String("oauth.correlation_id", correlationID),
		attribute.String("oauth.authority", rec.Authority))
	res, err := f.exchange(ctx, code, rec, correlationID)
	endSpan(span, err)

	if err != nil && !rec.FlowState.Terminal() {
		_ = rec.transition(FlowFailed)
	}
	return res, err
}

func (f *AuthCodeFlow) exchange(ctx context.Context, code string, rec *PendingRecord, correlationID string) (*TokenResult, error) {
	if rec.FlowState != FlowCodeReceived {
		return nil, newAuthError(ErrInvalidTransition, StageTokenExchange, correlationID,
			fmt.Errorf("cannot exchange a code in state %s", rec.FlowState))
	}
	if code == "" {
		return nil, newAuthError(ErrInvalidRequest, StageTokenExchange, correlationID, errors.New("code is required"))
	}

	authority, err := ParseAuthority(rec.Authority)
	if err != nil {
		return nil, newAuthError(ErrInvalidRequest, StageTokenExchange, correlationID, err)
	}
	md, err := f.resolver.Resolve(ctx, rec.Authority)
	if err != nil {
		return nil, err
	}

	tr, err := f.tokens.redeemCode(ctx, md, code, rec)
	if err != nil {
		var te *tokenError
		if errors.As(err, &te) {
			kind := ErrTokenExchange
			if te.transient() {
				kind = ErrTransientServer
			}
			return nil, te.authError(kind, StageTokenExchange, correlationID)
		}
		return nil, asAuthError(err, ErrTransientServer, StageTokenExchange, correlationID)
	}

	if err := rec.transition(FlowTokenExchanged); err != nil {
		return nil, newAuthError(ErrInvalidTransition, StageTokenExchange, correlationID, err)
	}

	res, err := f.handler.commit(ctx, tokenCommit{
		metadata:      md,
		authority:     authority,
		response:      tr,
		requested:     rec.Scopes,
		nonce:         rec.Nonce,
		stage:         StageTokenExchange,
		correlationID: correlationID,
	})
	if err != nil {
		return nil, err
	}

	if err := rec.transition(FlowComplete); err != nil {
		return nil, newAuthError(ErrInvalidTransition, StageTokenExchange, correlationID, err)
	}

	f.logger.Info("interactive sign-in complete",
		zap.String("correlation_id", correlationID),
		zap.String("home_account_id", res.Account.HomeAccountID))
	return res, nil
}
