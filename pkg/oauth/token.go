package oauth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
)

// TokenSource identifies where a TokenResult came from.
type TokenSource string

const (
	SourceIdentityProvider TokenSource = "identity_provider"
	SourceCache            TokenSource = "cache"
)

// TokenResult is the outcome of a successful acquisition.
type TokenResult struct {
	// AccessToken is the bearer credential for the requested scopes.
	AccessToken string

	// TokenType is the access token type, usually Bearer.
	TokenType string

	// ExpiresOn is when the access token expires.
	ExpiresOn time.Time

	// ExtendedExpiresOn is the authority's extended lifetime, if any.
	ExtendedExpiresOn time.Time

	// Scopes are the scopes the access token was issued for.
	Scopes []string

	// IDToken is the raw ID token, when one is cached or was returned.
	IDToken string

	// IDTokenClaims are the validated claims of IDToken. Nil for results
	// served from the cache.
	IDTokenClaims *IDTokenClaims

	// Account is the account the tokens belong to.
	Account cache.Account

	// Source reports whether the result came from the cache.
	Source TokenSource
}

// OAuth2Token converts the result for use with golang.org/x/oauth2.
func (r *TokenResult) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken: r.AccessToken,
		TokenType:   r.TokenType,
		Expiry:      r.ExpiresOn,
	}
	if r.IDToken != "" {
		tok = tok.WithExtra(map[string]interface{}{"id_token": r.IDToken})
	}
	return tok
}

// resultFromCache builds a TokenResult for a cached access token.
func resultFromCache(at cache.AccessToken, idt cache.IDToken, account cache.Account) *TokenResult {
	return &TokenResult{
		AccessToken:       at.Secret,
		TokenType:         at.TokenType,
		ExpiresOn:         at.ExpiresOn.Time,
		ExtendedExpiresOn: at.ExtendedExpiresOn.Time,
		Scopes:            at.Scopes(),
		IDToken:           idt.Secret,
		Account:           account,
		Source:            SourceCache,
	}
}

// seconds decodes a duration in seconds sent either as a JSON number or
// as a numeric string.
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	if str == "" || str == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(str, 64)
		if ferr != nil {
			return fmt.Errorf("invalid seconds value %s", b)
		}
		n = int64(f)
	}
	*s = seconds(n)
	return nil
}

func (s seconds) duration() time.Duration {
	return time.Duration(s) * time.Second
}

// tokenResponse is a successful token endpoint response.
type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    seconds `json:"expires_in"`
	ExtExpiresIn seconds `json:"ext_expires_in"`
	RefreshIn    seconds `json:"refresh_in"`
	RefreshToken string  `json:"refresh_token"`
	IDToken      string  `json:"id_token"`
	Scope        string  `json:"scope"`
	ClientInfo   string  `json:"client_info"`
	FamilyID     string  `json:"foci"`
}

// grantedScopes returns the scopes the authority granted, falling back to
// the requested ones when the response omits scope.
func (r *tokenResponse) grantedScopes(requested []string) []string {
	if strings.TrimSpace(r.Scope) == "" {
		return requested
	}
	return strings.Fields(r.Scope)
}

// errorResponse is an RFC 6749 section 5.2 error body, plus the fields
// Microsoft identity platform adds.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	SubError         string `json:"suberror"`
	ErrorCodes       []int  `json:"error_codes"`
	CorrelationID    string `json:"correlation_id"`
}

func parseErrorResponse(body []byte) errorResponse {
	var e errorResponse
	_ = json.Unmarshal(body, &e)
	return e
}

// clientInfo is the decoded client_info response parameter.
type clientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

func parseClientInfo(c Crypto, raw string) (clientInfo, error) {
	var ci clientInfo
	if raw == "" {
		return ci, nil
	}
	data, err := c.Base64URLDecode(strings.TrimRight(raw, "="))
	if err != nil {
		return ci, fmt.Errorf("decode client_info: %w", err)
	}
	if err := json.Unmarshal(data, &ci); err != nil {
		return ci, fmt.Errorf("parse client_info: %w", err)
	}
	return ci, nil
}

// accountFromToken derives the account identity from the validated ID
// token claims, preferring client_info when the authority returned it.
func accountFromToken(claims *IDTokenClaims, ci clientInfo, authority Authority) cache.Account {
	localID := claims.ObjectID
	if localID == "" {
		localID = claims.Subject
	}

	realm := claims.TenantID
	if realm == "" {
		realm = authority.Tenant
	}

	homeID := localID
	if realm != "" {
		homeID = localID + "." + realm
	}
	if ci.UID != "" && ci.UTID != "" {
		homeID = ci.UID + "." + ci.UTID
	}

	return cache.Account{
		HomeAccountID:  homeID,
		Environment:    authority.Host,
		Realm:          strings.ToLower(realm),
		LocalAccountID: localID,
		Username:       claims.Username(),
		Name:           claims.Name,
		IDTokenClaims:  claims.Extra,
	}
}
