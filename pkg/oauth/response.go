package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
)

// responseHandler turns a token endpoint response into cache entities. It
// validates before it writes: nothing reaches the cache unless the whole
// response checked out.
type responseHandler struct {
	clientID  string
	crypto    Crypto
	validator *TokenValidator
	cache     *cache.CredentialCache
	now       func() time.Time
	logger    *zap.Logger
}

// tokenCommit describes one response to commit.
type tokenCommit struct {
	metadata  *AuthorityMetadata
	authority Authority
	response  *tokenResponse
	requested []string

	// nonce is the nonce of the authorization request, empty on refresh.
	nonce string

	// prior is the account a refresh was made for. The response must
	// belong to the same account.
	prior *cache.Account

	stage         Stage
	correlationID string
}

func (h *responseHandler) commit(ctx context.Context, tc tokenCommit) (*TokenResult, error) {
	tr := tc.response
	fail := func(kind error, err error) (*TokenResult, error) {
		return nil, newAuthError(kind, tc.stage, tc.correlationID, err)
	}

	if tr.IDToken == "" && tc.prior == nil {
		return fail(ErrTokenExchange, errors.New("response has no id token"))
	}
	if tr.ExpiresIn <= 0 {
		return fail(ErrTokenExchange, errors.New("response has no expires_in"))
	}

	var claims *IDTokenClaims
	if tr.IDToken != "" {
		var err error
		claims, err = h.validator.ValidateIDToken(ctx, tr.IDToken, Expected{
			Issuer:   tc.metadata.Issuer,
			Audience: h.clientID,
			Nonce:    tc.nonce,
			JWKSURI:  tc.metadata.JWKSURI,
		})
		if err != nil {
			return nil, asAuthError(err, ErrInvalidSignature, StageValidation, tc.correlationID)
		}
	}

	ci, err := parseClientInfo(h.crypto, tr.ClientInfo)
	if err != nil {
		return fail(ErrTokenExchange, err)
	}

	var account cache.Account
	switch {
	case claims != nil:
		account = accountFromToken(claims, ci, tc.authority)
		if tc.prior != nil {
			if !strings.EqualFold(account.HomeAccountID, tc.prior.HomeAccountID) {
				return fail(ErrTokenExchange, fmt.Errorf("response is for account %s, not %s",
					account.HomeAccountID, tc.prior.HomeAccountID))
			}
			account.HomeAccountID = tc.prior.HomeAccountID
			account.Environment = tc.prior.Environment
		}
	default:
		account = *tc.prior
	}

	now := h.now()
	realm := tc.authority.Realm(account.Realm)
	scopes := tr.grantedScopes(tc.requested)

	var extExpiresOn, refreshOn time.Time
	if tr.ExtExpiresIn > 0 {
		extExpiresOn = now.Add(tr.ExtExpiresIn.duration())
	}
	if tr.RefreshIn > 0 {
		refreshOn = now.Add(tr.RefreshIn.duration())
	}

	at := cache.NewAccessToken(account.HomeAccountID, account.Environment, h.clientID, realm,
		tr.AccessToken, scopes, tr.TokenType, now, now.Add(tr.ExpiresIn.duration()), extExpiresOn, refreshOn)

	entry := cache.Entry{Account: &account, AccessToken: &at}

	if tr.IDToken != "" {
		idt := cache.NewIDToken(account.HomeAccountID, account.Environment, h.clientID, realm, tr.IDToken)
		entry.IDToken = &idt
	}
	if tr.RefreshToken != "" {
		rt := cache.NewRefreshToken(account.HomeAccountID, account.Environment, h.clientID, tr.RefreshToken, tr.FamilyID)
		entry.RefreshToken = &rt
	}
	if _, known := h.cache.GetAppMetadata(h.clientID, account.Environment); tr.FamilyID != "" || !known {
		meta := cache.AppMetadata{ClientID: h.clientID, Environment: account.Environment, FamilyID: tr.FamilyID}
		entry.AppMetadata = &meta
	}

	if err := h.cache.Save(ctx, entry); err != nil {
		h.logger.Error("token commit failed",
			zap.String("correlation_id", tc.correlationID),
			zap.String("home_account_id", account.HomeAccountID),
			zap.Error(err))
		return fail(ErrTransientServer, err)
	}

	h.logger.Debug("tokens committed",
		zap.String("correlation_id", tc.correlationID),
		zap.String("home_account_id", account.HomeAccountID),
		zap.String("realm", realm),
		zap.String("target", at.Target))

	return &TokenResult{
		AccessToken:       at.Secret,
		TokenType:         at.TokenType,
		ExpiresOn:         at.ExpiresOn.Time,
		ExtendedExpiresOn: at.ExtendedExpiresOn.Time,
		Scopes:            at.Scopes(),
		IDToken:           tr.IDToken,
		IDTokenClaims:     claims,
		Account:           account,
		Source:            SourceIdentityProvider,
	}, nil
}
