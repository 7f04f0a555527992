package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID = "test-client"
	testKeyID    = "test-key-id"
	testTenant   = "tenant"
	testOID      = "oid-1"
	testTID      = "tid-1"
)

// testIdP is an in-process OpenID provider served over TLS. It records the
// authorization requests it sees so the code exchange can check PKCE and
// echo the nonce.
type testIdP struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey
	now    func() time.Time

	discoveryCalls atomic.Int32
	jwksCalls      atomic.Int32
	tokenCalls     atomic.Int32

	mu     sync.Mutex
	codes  map[string]authorizeGrant
	rts    map[string]bool
	rtSeq  int
	lastRT string

	// tokenDelay holds every token response, to let concurrent callers
	// pile up on a single redemption.
	tokenDelay time.Duration

	// tokenError, when set, is returned by the token endpoint instead of
	// tokens: status code and JSON body.
	tokenError *idpError

	// nonceOverride replaces the nonce placed in issued ID tokens.
	nonceOverride string

	// idTokenClaims are merged into every issued ID token.
	idTokenClaims jwt.MapClaims

	// refreshIn is returned as refresh_in when positive.
	refreshIn int
}

type authorizeGrant struct {
	challenge string
	nonce     string
}

type idpError struct {
	status int
	body   map[string]string
}

func newTestIdP(t *testing.T, now func() time.Time) *testIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}

	p := &testIdP{
		t:     t,
		key:   key,
		now:   now,
		codes: make(map[string]authorizeGrant),
		rts:   make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+testTenant+"/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/"+testTenant+"/token", p.handleToken)
	mux.HandleFunc("/keys", p.handleJWKS)

	p.server = httptest.NewTLSServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *testIdP) authority() string {
	return p.server.URL + "/" + testTenant
}

func (p *testIdP) issuer() string {
	return p.server.URL + "/" + testTenant + "/v2.0"
}

func (p *testIdP) host() string {
	u, _ := url.Parse(p.server.URL)
	return u.Host
}

func (p *testIdP) metadata() *AuthorityMetadata {
	return &AuthorityMetadata{
		Issuer:                p.issuer(),
		AuthorizationEndpoint: p.server.URL + "/" + testTenant + "/authorize",
		TokenEndpoint:         p.server.URL + "/" + testTenant + "/token",
		JWKSURI:               p.server.URL + "/keys",
	}
}

func (p *testIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.discoveryCalls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.metadata())
}

func (p *testIdP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksCalls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"kty": "RSA",
				"kid": testKeyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(p.key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(p.key.PublicKey.E)).Bytes()),
			},
		},
	})
}

// authorize plays the user signing in: it reads the authorization URL and
// returns the redirect query the authority would send back.
func (p *testIdP) authorize(authURL string) url.Values {
	p.t.Helper()

	u, err := url.Parse(authURL)
	if err != nil {
		p.t.Fatalf("Failed to parse authorization URL: %v", err)
	}
	q := u.Query()

	code := fmt.Sprintf("code-%d", time.Now().UnixNano())
	p.mu.Lock()
	p.codes[code] = authorizeGrant{challenge: q.Get("code_challenge"), nonce: q.Get("nonce")}
	p.mu.Unlock()

	return url.Values{"code": {code}, "state": {q.Get("state")}}
}

// seedRefreshToken makes rt redeemable.
func (p *testIdP) seedRefreshToken(rt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts[rt] = true
}

func (p *testIdP) latestRefreshToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRT
}

func (p *testIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	p.tokenCalls.Add(1)
	if p.tokenDelay > 0 {
		time.Sleep(p.tokenDelay)
	}

	if err := r.ParseForm(); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if r.PostForm.Get("client_id") != testClientID {
		p.writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if p.tokenError != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.tokenError.status)
		json.NewEncoder(w).Encode(p.tokenError.body)
		return
	}

	var nonce string
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.mu.Lock()
		grant, ok := p.codes[r.PostForm.Get("code")]
		delete(p.codes, r.PostForm.Get("code"))
		p.mu.Unlock()
		if !ok {
			p.writeError(w, http.StatusBadRequest, "invalid_grant", "unknown code")
			return
		}
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != grant.challenge {
			p.writeError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
		nonce = grant.nonce

	case "refresh_token":
		p.mu.Lock()
		ok := p.rts[r.PostForm.Get("refresh_token")]
		delete(p.rts, r.PostForm.Get("refresh_token"))
		p.mu.Unlock()
		if !ok {
			p.writeError(w, http.StatusBadRequest, "invalid_grant", "refresh token revoked")
			return
		}

	default:
		p.writeError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	if p.nonceOverride != "" {
		nonce = p.nonceOverride
	}

	p.mu.Lock()
	p.rtSeq++
	rt := fmt.Sprintf("rt-%d", p.rtSeq)
	p.rts[rt] = true
	p.lastRT = rt
	p.mu.Unlock()

	resp := map[string]interface{}{
		"access_token":   fmt.Sprintf("at-%d", p.tokenCalls.Load()),
		"token_type":     "Bearer",
		"expires_in":     3600,
		"ext_expires_in": 7200,
		"refresh_token":  rt,
		"scope":          r.PostForm.Get("scope"),
		"id_token":       p.idToken(nonce),
		"client_info":    base64.RawURLEncoding.EncodeToString([]byte(`{"uid":"` + testOID + `","utid":"` + testTID + `"}`)),
	}
	if p.refreshIn > 0 {
		resp["refresh_in"] = p.refreshIn
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (p *testIdP) writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": description})
}

func (p *testIdP) idToken(nonce string) string {
	now := p.now()
	claims := jwt.MapClaims{
		"iss":                p.issuer(),
		"aud":                testClientID,
		"sub":                "subject-1",
		"oid":                testOID,
		"tid":                testTID,
		"name":               "Alice",
		"preferred_username": "alice@example.com",
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range p.idTokenClaims {
		claims[k] = v
	}
	return signTestJWT(p.t, p.key, claims)
}

func signTestJWT(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID

	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("Failed to sign JWT: %v", err)
	}
	return s
}

// testConfig returns a validated Config pointed at p.
func (p *testIdP) testConfig(now func() time.Time) *Config {
	p.t.Helper()

	cfg := &Config{
		ClientID:         testClientID,
		Authority:        p.authority(),
		RedirectURI:      "http://localhost:8400/callback",
		Scopes:           []string{"User.Read"},
		KnownAuthorities: []string{p.host()},
		HTTPClient:       p.server.Client(),
		Now:              now,
	}
	if err := cfg.Validate(); err != nil {
		p.t.Fatalf("Validate() failed: %v", err)
	}
	return cfg
}

// signIn runs a full interactive sign-in against p.
func signIn(t *testing.T, app *Application, p *testIdP) *TokenResult {
	t.Helper()

	ctx := t.Context()
	pa, err := app.BeginInteractive(ctx, AuthorizationRequest{})
	if err != nil {
		t.Fatalf("BeginInteractive() failed: %v", err)
	}
	res, err := app.CompleteInteractive(ctx, p.authorize(pa.URL))
	if err != nil {
		t.Fatalf("CompleteInteractive() failed: %v", err)
	}
	return res
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
