package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// jwksRefreshInterval bounds how often an unknown kid may trigger a
// re-fetch of the same key set.
const jwksRefreshInterval = time.Minute

// keySet is the cached JWKS of one jwks_uri.
type keySet struct {
	mu      sync.Mutex
	kf      keyfunc.Keyfunc
	limiter *rate.Limiter
}

// keySets fetches key sets through the engine's HTTP client so the same
// transport, TLS settings and correlation headers apply.
type keySets struct {
	httpClient HTTPClient
	logger     *zap.Logger

	mu   sync.Mutex
	sets map[string]*keySet
}

func newKeySets(httpClient HTTPClient, logger *zap.Logger) *keySets {
	return &keySets{
		httpClient: httpClient,
		logger:     logger,
		sets:       make(map[string]*keySet),
	}
}

func (k *keySets) set(jwksURI string) *keySet {
	k.mu.Lock()
	defer k.mu.Unlock()

	ks, ok := k.sets[jwksURI]
	if !ok {
		ks = &keySet{limiter: rate.NewLimiter(rate.Every(jwksRefreshInterval), 1)}
		k.sets[jwksURI] = ks
	}
	return ks
}

// key returns the verification key named by header. An unknown kid causes
// a re-fetch so rotated keys are picked up; re-fetches of one key set are
// limited to one per jwksRefreshInterval.
func (k *keySets) key(ctx context.Context, jwksURI string, header map[string]interface{}, correlationID string) (interface{}, error) {
	ks := k.set(jwksURI)
	token := &jwt.Token{Header: header}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.kf == nil {
		kf, err := k.fetch(ctx, jwksURI, correlationID)
		if err != nil {
			return nil, err
		}
		ks.kf = kf
	}

	key, err := ks.kf.Keyfunc(token)
	if err == nil {
		return key, nil
	}

	if !ks.limiter.Allow() {
		return nil, newAuthError(ErrInvalidSignature, StageValidation, correlationID,
			fmt.Errorf("signing key not found: %w", err))
	}

	k.logger.Debug("signing key not found, refreshing key set",
		zap.String("jwks_uri", jwksURI),
		zap.String("correlation_id", correlationID))

	kf, fetchErr := k.fetch(ctx, jwksURI, correlationID)
	if fetchErr != nil {
		return nil, fetchErr
	}
	ks.kf = kf

	key, err = ks.kf.Keyfunc(token)
	if err != nil {
		return nil, newAuthError(ErrInvalidSignature, StageValidation, correlationID,
			fmt.Errorf("signing key not found: %w", err))
	}
	return key, nil
}

func (k *keySets) fetch(ctx context.Context, jwksURI, correlationID string) (keyfunc.Keyfunc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, newAuthError(ErrInvalidSignature, StageValidation, correlationID, err)
	}

	resp, err := doRequest(k.httpClient, req, StageValidation, correlationID)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		kind := ErrInvalidSignature
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			kind = ErrTransientServer
		}
		e := newAuthError(kind, StageValidation, correlationID,
			fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode))
		e.StatusCode = resp.StatusCode
		return nil, e
	}

	kf, err := keyfunc.NewJWKSetJSON(json.RawMessage(resp.Body))
	if err != nil {
		return nil, newAuthError(ErrInvalidSignature, StageValidation, correlationID,
			fmt.Errorf("jwks parse: %w", err))
	}
	return kf, nil
}
