package oauth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	headerClientRequestID       = "client-request-id"
	headerReturnClientRequestID = "return-client-request-id"

	// maxResponseBytes bounds how much of an authority response is read.
	maxResponseBytes = 1 << 20
)

// HTTPClient defines the interface for making HTTP requests.
// This abstraction allows for testing and custom implementations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// defaultHTTPClient is a production HTTP client with sensible defaults.
type defaultHTTPClient struct {
	client *http.Client
}

// newDefaultHTTPClient creates an HTTP client for authority traffic. It
// never retries; repeated failures against a host open a circuit breaker
// so callers fail fast with a transient error instead of piling up.
func newDefaultHTTPClient(timeout time.Duration, tlsConfig *tls.Config, logger *zap.Logger) HTTPClient {
	customTLS := tlsConfig
	if customTLS == nil {
		customTLS = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	} else {
		customTLS = tlsConfig.Clone()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       customTLS,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &defaultHTTPClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: newBreakerTransport(transport, logger),
		},
	}
}

// Do executes the HTTP request.
func (c *defaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// errServerFailure marks a response the breaker should count as a failure
// while still handing it back to the caller.
var errServerFailure = errors.New("server failure")

// breakerTransport keeps one circuit breaker per authority host.
type breakerTransport struct {
	base   http.RoundTripper
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerTransport(base http.RoundTripper, logger *zap.Logger) *breakerTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breakerTransport{
		base:     base,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (t *breakerTransport) breaker(host string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("authority circuit breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	t.breakers[host] = cb
	return cb
}

// RoundTrip implements http.RoundTripper.
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := t.breaker(req.URL.Host).Execute(func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return resp, errServerFailure
		}
		return resp, nil
	})

	if errors.Is(err, errServerFailure) {
		return result.(*http.Response), nil
	}
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// response is a fully read authority response.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// doRequest executes req with the correlation headers set and reads the
// body. Transport failures and timeouts are reported as
// ErrTransientServer.
func doRequest(client HTTPClient, req *http.Request, stage Stage, correlationID string) (*response, error) {
	req.Header.Set(headerClientRequestID, correlationID)
	req.Header.Set(headerReturnClientRequestID, "true")
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, newAuthError(ErrTransientServer, stage, correlationID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, newAuthError(ErrTransientServer, stage, correlationID,
			fmt.Errorf("read response: %w", err))
	}

	return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying id. Operations started with
// the context send id as the client-request-id and attach it to errors.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation id carried by ctx.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

// ensureCorrelationID returns ctx and its correlation id, creating one
// when ctx has none.
func ensureCorrelationID(ctx context.Context) (context.Context, string) {
	if id, ok := CorrelationIDFromContext(ctx); ok {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}
