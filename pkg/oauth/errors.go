package oauth

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by the engine is an *AuthError whose
// Kind is one of these, so callers branch with errors.Is.
var (
	// ErrInvalidConfiguration indicates the engine configuration is invalid.
	ErrInvalidConfiguration = errors.New("oauth: invalid configuration")

	// ErrInvalidRequest indicates a request is missing required parameters.
	ErrInvalidRequest = errors.New("oauth: invalid request")

	// ErrAuthorityDiscovery indicates the authority metadata could not be
	// fetched or is unusable.
	ErrAuthorityDiscovery = errors.New("oauth: authority discovery failed")

	// ErrUntrustedAuthority indicates the authority host is not trusted.
	// It is always reported together with ErrAuthorityDiscovery.
	ErrUntrustedAuthority = errors.New("oauth: untrusted authority")

	// ErrCryptoUnavailable indicates randomness or hashing failed.
	ErrCryptoUnavailable = errors.New("oauth: crypto unavailable")

	// ErrStateMismatch indicates a redirect carried an unknown, expired or
	// already used state.
	ErrStateMismatch = errors.New("oauth: state mismatch")

	// ErrAuthorization indicates the authority returned an error on the
	// redirect instead of a code.
	ErrAuthorization = errors.New("oauth: authorization failed")

	// ErrNonceMismatch indicates the ID token nonce differs from the one sent.
	ErrNonceMismatch = errors.New("oauth: nonce mismatch")

	// ErrTokenExchange indicates the token endpoint rejected a request.
	ErrTokenExchange = errors.New("oauth: token exchange failed")

	// ErrInvalidSignature indicates the token is malformed or its signature
	// does not verify.
	ErrInvalidSignature = errors.New("oauth: invalid signature")

	// ErrTokenExpired indicates the token is outside its validity window.
	ErrTokenExpired = errors.New("oauth: token expired")

	// ErrIssuerMismatch indicates the iss claim is not the expected issuer.
	ErrIssuerMismatch = errors.New("oauth: issuer mismatch")

	// ErrAudienceMismatch indicates the aud claim does not name this client.
	ErrAudienceMismatch = errors.New("oauth: audience mismatch")

	// ErrNoCredentials indicates nothing in the cache can satisfy a silent
	// request.
	ErrNoCredentials = errors.New("oauth: no credentials")

	// ErrInteractionRequired indicates the user must sign in interactively.
	ErrInteractionRequired = errors.New("oauth: interaction required")

	// ErrTransientServer indicates a network failure, timeout or server side
	// error that may succeed if the caller retries later.
	ErrTransientServer = errors.New("oauth: transient server error")

	// ErrInvalidTransition indicates an authorization flow step was invoked
	// out of order.
	ErrInvalidTransition = errors.New("oauth: invalid flow transition")
)

// Stage names the protocol step an error came from.
type Stage string

const (
	StageConfig        Stage = "config"
	StageDiscovery     Stage = "discovery"
	StageAuthorize     Stage = "authorize"
	StageRedirect      Stage = "redirect"
	StageTokenExchange Stage = "token_exchange"
	StageValidation    Stage = "validation"
	StageRefresh       Stage = "refresh"
	StageCache         Stage = "cache"
)

// AuthError carries the error kind together with the protocol details the
// authority returned, if any.
type AuthError struct {
	// Kind is one of the package level error kinds.
	Kind error

	// Stage is the protocol step that failed.
	Stage Stage

	// CorrelationID identifies the operation in logs and at the authority.
	CorrelationID string

	// Code is the OAuth error code, such as invalid_grant.
	Code string

	// Description is the authority's error_description, verbatim.
	Description string

	// SubError is the authority's suberror, when present.
	SubError string

	// StatusCode is the HTTP status of the failed response, when present.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *AuthError) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("oauth: error")
	}
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *AuthError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newAuthError(kind error, stage Stage, correlationID string, err error) *AuthError {
	return &AuthError{
		Kind:          kind,
		Stage:         stage,
		CorrelationID: correlationID,
		Err:           err,
	}
}

// asAuthError returns err as an *AuthError, wrapping foreign errors with
// the given kind. Existing AuthErrors keep their kind and get the
// correlation id filled in if it is missing.
func asAuthError(err error, kind error, stage Stage, correlationID string) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		if ae.CorrelationID == "" {
			ae.CorrelationID = correlationID
		}
		return ae
	}
	return newAuthError(kind, stage, correlationID, err)
}

// IsRetryable reports whether err is transient and the operation may be
// retried later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientServer)
}

// IsInteractionRequired reports whether the caller must fall back to an
// interactive sign-in.
func IsInteractionRequired(err error) bool {
	return errors.Is(err, ErrInteractionRequired) || errors.Is(err, ErrNoCredentials)
}
