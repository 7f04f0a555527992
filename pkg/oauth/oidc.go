package oauth

import (
	"errors"
	"time"
)

// AuthorityMetadata is the subset of an OpenID Connect discovery document
// the engine uses.
type AuthorityMetadata struct {
	// Issuer is the OIDC issuer identifier. Multi-tenant authorities may
	// report an issuer containing the {tenantid} placeholder.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the authorization endpoint URL.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the token endpoint URL.
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSURI is the JWKS endpoint URL.
	JWKSURI string `json:"jwks_uri"`

	// EndSessionEndpoint is the logout endpoint URL.
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`

	// IDTokenSigningAlgValuesSupported lists supported ID token algorithms.
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`

	// CodeChallengeMethodsSupported lists supported PKCE challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// FetchedAt tracks when this document was retrieved.
	FetchedAt time.Time `json:"-"`
}

// Expired returns true once ttl has elapsed since FetchedAt.
func (d *AuthorityMetadata) Expired(now time.Time, ttl time.Duration) bool {
	if d == nil || d.FetchedAt.IsZero() {
		return true
	}
	return !now.Before(d.FetchedAt.Add(ttl))
}

// Validate checks that the document contains the required endpoints.
func (d *AuthorityMetadata) Validate() error {
	if d == nil {
		return errors.New("metadata is nil")
	}
	if d.Issuer == "" {
		return errors.New("issuer is required")
	}
	if d.AuthorizationEndpoint == "" {
		return errors.New("authorization_endpoint is required")
	}
	if d.TokenEndpoint == "" {
		return errors.New("token_endpoint is required")
	}
	if d.JWKSURI == "" {
		return errors.New("jwks_uri is required")
	}
	return nil
}
