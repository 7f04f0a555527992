package oauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// checkLifetime requires exp and rejects tokens outside [nbf, exp] widened
// by the clock skew.
func (v *TokenValidator) checkLifetime(cs claimSet, c *IDTokenClaims) error {
	exp, err := cs.numericDate("exp")
	if err != nil {
		return err
	}
	if exp.IsZero() {
		return errors.New("missing exp claim")
	}
	c.ExpiresAt = exp

	nbf, err := cs.numericDate("nbf")
	if err != nil {
		return err
	}
	c.NotBefore = nbf

	now := v.now()
	if !now.Before(exp.Add(v.skew)) {
		return fmt.Errorf("expired at %s", exp.Format("2006-01-02T15:04:05Z07:00"))
	}
	if !nbf.IsZero() && now.Add(v.skew).Before(nbf) {
		return fmt.Errorf("not valid before %s", nbf.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func checkIssuer(cs claimSet, c *IDTokenClaims, expected string) error {
	iss, err := cs.str("iss")
	if err != nil {
		return err
	}
	c.Issuer = iss

	if strings.Contains(expected, issuerTenantPlaceholder) {
		if c.TenantID == "" {
			return errors.New("issuer is tenant independent but token has no tid claim")
		}
		expected = strings.ReplaceAll(expected, issuerTenantPlaceholder, c.TenantID)
	}
	if iss == "" || iss != expected {
		return fmt.Errorf("got %q, want %q", iss, expected)
	}
	return nil
}

// checkAudience requires the client id in aud. When the token names more
// than one audience the azp claim must name the client as well.
func checkAudience(cs claimSet, c *IDTokenClaims, clientID string) error {
	aud, err := cs.audience()
	if err != nil {
		return err
	}
	c.Audience = aud

	if !slices.Contains(aud, clientID) {
		return fmt.Errorf("%v does not contain %q", aud, clientID)
	}
	if len(aud) > 1 && c.AuthorizedParty != clientID {
		return fmt.Errorf("azp %q is not %q", c.AuthorizedParty, clientID)
	}
	return nil
}

func checkNonce(cs claimSet, c *IDTokenClaims, expected string) error {
	nonce, err := cs.str("nonce")
	if err != nil {
		return err
	}
	c.Nonce = nonce

	if expected == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(nonce), []byte(expected)) != 1 {
		return errors.New("nonce does not match the authorization request")
	}
	return nil
}
