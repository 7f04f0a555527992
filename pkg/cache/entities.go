package cache

import (
	"strings"
	"time"
)

// CredentialType identifies the kind of a cached credential.
type CredentialType string

const (
	CredentialTypeIDToken      CredentialType = "IdToken"
	CredentialTypeAccessToken  CredentialType = "AccessToken"
	CredentialTypeRefreshToken CredentialType = "RefreshToken"
)

// Account is a signed-in user as seen by one authority host.
// HomeAccountID and Environment together identify the account.
type Account struct {
	HomeAccountID  string                 `json:"home_account_id"`
	Environment    string                 `json:"environment"`
	Realm          string                 `json:"realm"`
	LocalAccountID string                 `json:"local_account_id"`
	Username       string                 `json:"username"`
	Name           string                 `json:"name,omitempty"`
	IDTokenClaims  map[string]interface{} `json:"id_token_claims,omitempty"`
}

// Key returns the cache key of the account.
func (a Account) Key() string {
	return joinKey(a.HomeAccountID, a.Environment)
}

// IsZero reports whether a is the zero Account.
func (a Account) IsZero() bool {
	return a.HomeAccountID == "" && a.Environment == ""
}

// IDToken is a cached raw ID token for one (account, client, realm).
type IDToken struct {
	HomeAccountID  string         `json:"home_account_id"`
	Environment    string         `json:"environment"`
	CredentialType CredentialType `json:"credential_type"`
	ClientID       string         `json:"client_id"`
	Secret         string         `json:"secret"`
	Realm          string         `json:"realm"`
}

// NewIDToken builds an IDToken credential.
func NewIDToken(homeAccountID, environment, clientID, realm, secret string) IDToken {
	return IDToken{
		HomeAccountID:  homeAccountID,
		Environment:    environment,
		CredentialType: CredentialTypeIDToken,
		ClientID:       clientID,
		Secret:         secret,
		Realm:          realm,
	}
}

// Key returns the cache key of the ID token.
func (t IDToken) Key() string {
	return joinKey(t.HomeAccountID, t.Environment, string(CredentialTypeIDToken), t.ClientID, t.Realm)
}

// AccessToken is a cached access token issued for Target.
type AccessToken struct {
	HomeAccountID     string         `json:"home_account_id"`
	Environment       string         `json:"environment"`
	CredentialType    CredentialType `json:"credential_type"`
	ClientID          string         `json:"client_id"`
	Secret            string         `json:"secret"`
	Realm             string         `json:"realm"`
	Target            string         `json:"target"`
	TokenType         string         `json:"token_type,omitempty"`
	CachedAt          UnixTime       `json:"cached_at"`
	ExpiresOn         UnixTime       `json:"expires_on"`
	ExtendedExpiresOn UnixTime       `json:"extended_expires_on,omitzero"`
	RefreshOn         UnixTime       `json:"refresh_on,omitzero"`
}

// NewAccessToken builds an AccessToken credential. scopes are normalized
// into the target and all times are truncated to seconds.
func NewAccessToken(homeAccountID, environment, clientID, realm, secret string, scopes []string, tokenType string, cachedAt, expiresOn, extendedExpiresOn, refreshOn time.Time) AccessToken {
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return AccessToken{
		HomeAccountID:     homeAccountID,
		Environment:       environment,
		CredentialType:    CredentialTypeAccessToken,
		ClientID:          clientID,
		Secret:            secret,
		Realm:             realm,
		Target:            Target(scopes),
		TokenType:         tokenType,
		CachedAt:          NewUnixTime(cachedAt),
		ExpiresOn:         NewUnixTime(expiresOn),
		ExtendedExpiresOn: NewUnixTime(extendedExpiresOn),
		RefreshOn:         NewUnixTime(refreshOn),
	}
}

// Key returns the cache key of the access token.
func (t AccessToken) Key() string {
	return joinKey(t.HomeAccountID, t.Environment, string(CredentialTypeAccessToken), t.ClientID, t.Realm, t.Target)
}

// Expired reports whether the token expires within skew of now.
func (t AccessToken) Expired(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(t.ExpiresOn.Time)
}

// NeedsRefresh reports whether the authority's refresh_in hint has passed.
func (t AccessToken) NeedsRefresh(now time.Time) bool {
	return !t.RefreshOn.IsZero() && !now.Before(t.RefreshOn.Time)
}

// Scopes returns the target split into individual scopes.
func (t AccessToken) Scopes() []string {
	return strings.Fields(t.Target)
}

// RefreshToken is a cached refresh token. Refresh tokens carry no client
// side expiry; the authority decides when they stop working.
type RefreshToken struct {
	HomeAccountID  string         `json:"home_account_id"`
	Environment    string         `json:"environment"`
	CredentialType CredentialType `json:"credential_type"`
	ClientID       string         `json:"client_id"`
	Secret         string         `json:"secret"`
	FamilyID       string         `json:"family_id,omitempty"`
}

// NewRefreshToken builds a RefreshToken credential.
func NewRefreshToken(homeAccountID, environment, clientID, secret, familyID string) RefreshToken {
	return RefreshToken{
		HomeAccountID:  homeAccountID,
		Environment:    environment,
		CredentialType: CredentialTypeRefreshToken,
		ClientID:       clientID,
		Secret:         secret,
		FamilyID:       familyID,
	}
}

// Key returns the cache key of the refresh token.
func (t RefreshToken) Key() string {
	return joinKey(t.HomeAccountID, t.Environment, string(CredentialTypeRefreshToken), t.ClientID)
}

// AppMetadata records per-client facts learned from the authority, such
// as membership in a refresh token family.
type AppMetadata struct {
	ClientID    string `json:"client_id"`
	Environment string `json:"environment"`
	FamilyID    string `json:"family_id,omitempty"`
}

// Key returns the cache key of the app metadata.
func (m AppMetadata) Key() string {
	return joinKey("appmetadata", m.Environment, m.ClientID)
}

// Credential is implemented by IDToken, AccessToken and RefreshToken.
type Credential interface {
	Key() string
}

// Entry groups the entities produced by one token response so they can be
// committed together. Nil fields are skipped.
type Entry struct {
	Account      *Account
	IDToken      *IDToken
	AccessToken  *AccessToken
	RefreshToken *RefreshToken
	AppMetadata  *AppMetadata
}

func joinKey(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = keyEscaper.Replace(p)
	}
	return strings.ToLower(strings.Join(escaped, "-"))
}

// keyEscaper keeps the separator out of key components, so distinct tuples
// such as ("x-login", "y.com") and ("x", "login-y.com") never share a key.
var keyEscaper = strings.NewReplacer("%", "%25", "-", "%2d")
