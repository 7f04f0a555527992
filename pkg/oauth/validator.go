package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Expected lists the values an ID token must carry.
type Expected struct {
	// Issuer is the issuer from the authority metadata. A {tenantid}
	// placeholder is replaced with the token's tid claim.
	Issuer string

	// Audience is the client id the token must be issued to.
	Audience string

	// Nonce is the nonce sent with the authorization request. Empty skips
	// the nonce check, as for tokens returned by a refresh.
	Nonce string

	// JWKSURI locates the signing keys.
	JWKSURI string
}

// TokenValidator validates ID tokens. Checks run in a fixed order and the
// first failure is returned: signature, expiry, issuer, audience, nonce.
type TokenValidator struct {
	crypto Crypto
	keys   *keySets
	skew   time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewTokenValidator creates a validator from a validated Config.
func NewTokenValidator(cfg *Config) *TokenValidator {
	return &TokenValidator{
		crypto: cfg.Crypto,
		keys:   newKeySets(cfg.HTTPClient, cfg.Logger),
		skew:   cfg.ClockSkew,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// ValidateIDToken verifies raw and returns its claims. Claims are only
// returned when every check passed.
func (v *TokenValidator) ValidateIDToken(ctx context.Context, raw string, expected Expected) (*IDTokenClaims, error) {
	ctx, correlationID := ensureCorrelationID(ctx)

	ctx, span := startSpan(ctx, "oauth.validate_id_token", trace.SpanKindInternal,
		attribute.String("oauth.correlation_id", correlationID))
	claims, err := v.validate(ctx, raw, expected, correlationID)
	endSpan(span, err)

	if err != nil {
		v.logger.Debug("id token rejected",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return nil, err
	}
	return claims, nil
}

func (v *TokenValidator) validate(ctx context.Context, raw string, expected Expected, correlationID string) (*IDTokenClaims, error) {
	invalid := func(err error) error {
		return newAuthError(ErrInvalidSignature, StageValidation, correlationID, err)
	}

	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return nil, invalid(fmt.Errorf("token has %d segments, want 3", len(parts)))
	}

	headerJSON, err := v.crypto.Base64URLDecode(parts[0])
	if err != nil {
		return nil, invalid(fmt.Errorf("decode header: %w", err))
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerJSON, &header); err != nil || header == nil {
		return nil, invalid(fmt.Errorf("parse header: %v", err))
	}

	alg, _ := header["alg"].(string)
	if !slices.Contains(supportedSigningAlgs, alg) {
		return nil, invalid(fmt.Errorf("unsupported algorithm %q", alg))
	}

	sig, err := v.crypto.Base64URLDecode(parts[2])
	if err != nil {
		return nil, invalid(fmt.Errorf("decode signature: %w", err))
	}

	key, err := v.keys.key(ctx, expected.JWKSURI, header, correlationID)
	if err != nil {
		return nil, err
	}
	if err := v.crypto.VerifySignature(alg, key, parts[0]+"."+parts[1], sig); err != nil {
		return nil, invalid(err)
	}

	payload, err := v.crypto.Base64URLDecode(parts[1])
	if err != nil {
		return nil, invalid(fmt.Errorf("decode payload: %w", err))
	}
	cs, err := parseClaimSet(payload)
	if err != nil {
		return nil, invalid(err)
	}

	claims := &IDTokenClaims{}
	cs.profile(claims)

	if err := v.checkLifetime(cs, claims); err != nil {
		return nil, newAuthError(ErrTokenExpired, StageValidation, correlationID, err)
	}
	if err := checkIssuer(cs, claims, expected.Issuer); err != nil {
		return nil, newAuthError(ErrIssuerMismatch, StageValidation, correlationID, err)
	}
	if err := checkAudience(cs, claims, expected.Audience); err != nil {
		return nil, newAuthError(ErrAudienceMismatch, StageValidation, correlationID, err)
	}
	if err := checkNonce(cs, claims, expected.Nonce); err != nil {
		return nil, newAuthError(ErrNonceMismatch, StageValidation, correlationID, err)
	}

	return claims, nil
}
