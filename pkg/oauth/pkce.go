package oauth

import (
	"crypto/subtle"
	"fmt"
)

const (
	// PKCEMethodS256 is the only challenge method the engine issues.
	PKCEMethodS256 = "S256"

	pkceEntropyBytes   = 32
	pkceMinVerifierLen = 43
	pkceMaxVerifierLen = 128
)

// PKCECodes holds a verifier and its derived challenge. A set of codes is
// used for exactly one authorization request.
type PKCECodes struct {
	Verifier  string
	Challenge string
	Method    string
}

// PKCEGenerator creates PKCE codes per RFC 7636.
type PKCEGenerator struct {
	crypto Crypto
}

// NewPKCEGenerator creates a generator backed by c.
func NewPKCEGenerator(c Crypto) *PKCEGenerator {
	if c == nil {
		c = SystemCrypto{}
	}
	return &PKCEGenerator{crypto: c}
}

// Generate returns fresh PKCE codes.
func (g *PKCEGenerator) Generate() (*PKCECodes, error) {
	b, err := g.crypto.RandomBytes(pkceEntropyBytes)
	if err != nil {
		return nil, newAuthError(ErrCryptoUnavailable, StageAuthorize, "", err)
	}
	if len(b) < pkceEntropyBytes {
		return nil, newAuthError(ErrCryptoUnavailable, StageAuthorize, "",
			fmt.Errorf("short random read: %d bytes", len(b)))
	}

	verifier := g.crypto.Base64URLEncode(b)
	if n := len(verifier); n < pkceMinVerifierLen || n > pkceMaxVerifierLen {
		return nil, newAuthError(ErrCryptoUnavailable, StageAuthorize, "",
			fmt.Errorf("verifier length %d out of range", n))
	}

	return &PKCECodes{
		Verifier:  verifier,
		Challenge: g.Challenge(verifier),
		Method:    PKCEMethodS256,
	}, nil
}

// Challenge derives the S256 challenge for verifier.
func (g *PKCEGenerator) Challenge(verifier string) string {
	return g.crypto.Base64URLEncode(g.crypto.SHA256([]byte(verifier)))
}

// Verify reports whether challenge was derived from verifier.
func (g *PKCEGenerator) Verify(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(g.Challenge(verifier)), []byte(challenge)) == 1
}
