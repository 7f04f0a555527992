package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// tokenClient talks to the token endpoint.
type tokenClient struct {
	clientID     string
	clientSecret string
	httpClient   HTTPClient
	timeout      time.Duration
	logger       *zap.Logger
	metrics      *Metrics
}

func newTokenClient(cfg *Config) *tokenClient {
	return &tokenClient{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   cfg.HTTPClient,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
		metrics:      GetMetrics(),
	}
}

// tokenError is a non-2xx token endpoint response.
type tokenError struct {
	StatusCode int
	Body       errorResponse
}

func (e *tokenError) Error() string {
	if e.Body.Error != "" {
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body.Error)
	}
	return fmt.Sprintf("token endpoint returned %d", e.StatusCode)
}

// transient reports whether the authority may succeed on a later attempt.
func (e *tokenError) transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// authError converts e to an AuthError of the given kind, carrying the
// authority's error fields verbatim.
func (e *tokenError) authError(kind error, stage Stage, correlationID string) *AuthError {
	return &AuthError{
		Kind:          kind,
		Stage:         stage,
		CorrelationID: correlationID,
		Code:          e.Body.Error,
		Description:   e.Body.ErrorDescription,
		SubError:      e.Body.SubError,
		StatusCode:    e.StatusCode,
		Err:           e,
	}
}

// redeemCode exchanges an authorization code and its PKCE verifier.
func (c *tokenClient) redeemCode(ctx context.Context, md *AuthorityMetadata, code string, rec *PendingRecord) (*tokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", grantAuthorizationCode)
	data.Set("client_id", c.clientID)
	data.Set("code", code)
	data.Set("redirect_uri", rec.RedirectURI)
	data.Set("code_verifier", rec.CodeVerifier)
	data.Set("scope", strings.Join(withReservedScopes(rec.Scopes), " "))
	data.Set("client_info", "1")

	return c.post(ctx, md.TokenEndpoint, grantAuthorizationCode, data)
}

// redeemRefreshToken redeems a refresh token for the given scopes.
func (c *tokenClient) redeemRefreshToken(ctx context.Context, md *AuthorityMetadata, refreshToken string, scopes []string) (*tokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", grantRefreshToken)
	data.Set("client_id", c.clientID)
	data.Set("refresh_token", refreshToken)
	data.Set("scope", strings.Join(withReservedScopes(scopes), " "))
	data.Set("client_info", "1")

	return c.post(ctx, md.TokenEndpoint, grantRefreshToken, data)
}

// post sends a token request. Transport failures and timeouts come back as
// ErrTransientServer AuthErrors; non-2xx responses as *tokenError so each
// flow can classify them.
func (c *tokenClient) post(ctx context.Context, tokenURL, grantType string, data url.Values) (*tokenResponse, error) {
	ctx, correlationID := ensureCorrelationID(ctx)

	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}

	ctx, span := startSpan(ctx, "oauth.token_request", trace.SpanKindClient,
		attribute.String("oauth.grant_type", grantType),
		attribute.String("oauth.correlation_id", correlationID))

	tr, err := c.send(ctx, tokenURL, grantType, data, correlationID)
	endSpan(span, err)
	return tr, err
}

func (c *tokenClient) send(ctx context.Context, tokenURL, grantType string, data url.Values, correlationID string) (*tokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stage := StageTokenExchange
	if grantType == grantRefreshToken {
		stage = StageRefresh
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, newAuthError(ErrTokenExchange, stage, correlationID, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := doRequest(c.httpClient, req, stage, correlationID)
	if err != nil {
		c.metrics.recordTokenRequest(grantType, "transport_error", time.Since(start))
		c.logger.Warn("token request failed",
			zap.String("grant_type", grantType),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.recordTokenRequest(grantType, "error", time.Since(start))
		te := &tokenError{StatusCode: resp.StatusCode, Body: parseErrorResponse(resp.Body)}
		c.logger.Info("token endpoint returned an error",
			zap.String("grant_type", grantType),
			zap.Int("status", resp.StatusCode),
			zap.String("error", te.Body.Error),
			zap.String("correlation_id", correlationID))
		return nil, te
	}
	c.metrics.recordTokenRequest(grantType, "success", time.Since(start))

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return nil, newAuthError(ErrTokenExchange, stage, correlationID,
			fmt.Errorf("parse token response: %w", err))
	}
	if tr.AccessToken == "" {
		return nil, newAuthError(ErrTokenExchange, stage, correlationID,
			fmt.Errorf("no access token in response"))
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}

	return &tr, nil
}

// withReservedScopes adds the OIDC scopes every request carries so that an
// ID token and a refresh token come back with the access token.
func withReservedScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes)+len(cache.ReservedScopes))
	out = append(out, cache.ReservedScopes...)
	for _, s := range scopes {
		if !cache.IsReservedScope(s) {
			out = append(out, s)
		}
	}
	return out
}
