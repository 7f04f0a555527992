package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// supportedSigningAlgs are the ID token algorithms the engine accepts.
// Symmetric algorithms and "none" are never accepted.
var supportedSigningAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// Crypto supplies the primitives the engine needs. Implementations must be
// safe for concurrent use.
type Crypto interface {
	// RandomBytes returns n bytes from a cryptographically secure source.
	RandomBytes(n int) ([]byte, error)

	// SHA256 returns the SHA-256 digest of data.
	SHA256(data []byte) []byte

	// VerifySignature checks sig over signingInput with key using alg.
	VerifySignature(alg string, key interface{}, signingInput string, sig []byte) error

	// Base64URLEncode encodes without padding.
	Base64URLEncode(data []byte) string

	// Base64URLDecode decodes unpadded base64url.
	Base64URLDecode(s string) ([]byte, error)
}

// SystemCrypto implements Crypto with the Go standard library and the JWT
// signing methods.
type SystemCrypto struct{}

// RandomBytes implements Crypto.
func (SystemCrypto) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return b, nil
}

// SHA256 implements Crypto.
func (SystemCrypto) SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// VerifySignature implements Crypto.
func (SystemCrypto) VerifySignature(alg string, key interface{}, signingInput string, sig []byte) error {
	if !slices.Contains(supportedSigningAlgs, alg) {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignature, alg)
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidSignature, alg)
	}
	if err := method.Verify(signingInput, sig, key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Base64URLEncode implements Crypto.
func (SystemCrypto) Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode implements Crypto.
func (SystemCrypto) Base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// randomString returns a base64url string over n random bytes.
func randomString(c Crypto, n int) (string, error) {
	b, err := c.RandomBytes(n)
	if err != nil {
		return "", err
	}
	return c.Base64URLEncode(b), nil
}
