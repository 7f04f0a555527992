package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newDiscoveryServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Config) {
	t.Helper()

	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	cfg := &Config{
		ClientID:         testClientID,
		KnownAuthorities: []string{server.Listener.Addr().String()},
		HTTPClient:       server.Client(),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	return server, cfg
}

func TestAuthorityResolver_Resolve(t *testing.T) {
	clock := newFakeClock()
	p := newTestIdP(t, clock.Now)
	cfg := p.testConfig(clock.Now)

	r := NewAuthorityResolver(cfg)
	defer r.Close()

	md, err := r.Resolve(context.Background(), p.authority())
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if md.Issuer != p.issuer() || md.TokenEndpoint != p.metadata().TokenEndpoint {
		t.Errorf("Resolve() = %+v", md)
	}
	if !md.FetchedAt.Equal(clock.Now()) {
		t.Errorf("FetchedAt = %v, want %v", md.FetchedAt, clock.Now())
	}

	// cached within TTL
	if _, err := r.Resolve(context.Background(), p.authority()+"/"); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got := p.discoveryCalls.Load(); got != 1 {
		t.Errorf("discovery calls = %d, want 1", got)
	}

	clock.Advance(defaultMetadataTTL + time.Second)
	if _, err := r.Resolve(context.Background(), p.authority()); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got := p.discoveryCalls.Load(); got != 2 {
		t.Errorf("discovery calls after TTL = %d, want 2", got)
	}
}

func TestAuthorityResolver_Coalesces(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	server, cfg := newDiscoveryServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"issuer": "https://` + r.Host + `/tenant/v2.0",
			"authorization_endpoint": "https://` + r.Host + `/tenant/authorize",
			"token_endpoint": "https://` + r.Host + `/tenant/token",
			"jwks_uri": "https://` + r.Host + `/keys"
		}`))
	})

	r := NewAuthorityResolver(cfg)
	defer r.Close()

	const n = 20
	var wg sync.WaitGroup
	results := make([]*AuthorityMetadata, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), server.URL+"/tenant")
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got different metadata", i)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("discovery calls = %d, want 1", got)
	}
}

func TestAuthorityResolver_SharedError(t *testing.T) {
	var calls atomic.Int32
	server, cfg := newDiscoveryServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusNotFound)
	})

	r := NewAuthorityResolver(cfg)
	defer r.Close()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Resolve(context.Background(), server.URL+"/tenant")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrAuthorityDiscovery) {
			t.Errorf("caller %d: expected ErrAuthorityDiscovery, got %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("discovery calls = %d, want 1", got)
	}
}

func TestAuthorityResolver_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			want:    ErrAuthorityDiscovery,
		},
		{
			name:    "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{not json`)) },
			want:    ErrAuthorityDiscovery,
		},
		{
			name: "missing endpoints",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"issuer": "https://` + r.Host + `/tenant"}`))
			},
			want: ErrAuthorityDiscovery,
		},
		{
			name: "foreign issuer",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{
					"issuer": "https://evil.example.com/tenant",
					"authorization_endpoint": "https://` + r.Host + `/authorize",
					"token_endpoint": "https://` + r.Host + `/token",
					"jwks_uri": "https://` + r.Host + `/keys"
				}`))
			},
			want: ErrAuthorityDiscovery,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, cfg := newDiscoveryServer(t, tt.handler)
			r := NewAuthorityResolver(cfg)
			defer r.Close()

			_, err := r.Resolve(context.Background(), server.URL+"/tenant")
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAuthorityResolver_Unreachable(t *testing.T) {
	server, cfg := newDiscoveryServer(t, func(w http.ResponseWriter, r *http.Request) {})
	authority := server.URL + "/tenant"
	server.Close()

	r := NewAuthorityResolver(cfg)
	defer r.Close()

	_, err := r.Resolve(context.Background(), authority)
	if !errors.Is(err, ErrTransientServer) {
		t.Fatalf("Expected ErrTransientServer, got %v", err)
	}
}

func TestAuthorityResolver_Untrusted(t *testing.T) {
	cfg := &Config{ClientID: testClientID}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	r := NewAuthorityResolver(cfg)
	defer r.Close()

	for _, authority := range []string{"https://evil.example.com/tenant", "http://login.microsoftonline.com/common"} {
		_, err := r.Resolve(context.Background(), authority)
		if !errors.Is(err, ErrUntrustedAuthority) || !errors.Is(err, ErrAuthorityDiscovery) {
			t.Errorf("Resolve(%s): expected untrusted discovery error, got %v", authority, err)
		}
	}
}

func TestAuthorityResolver_StaticMetadata(t *testing.T) {
	md := &AuthorityMetadata{
		Issuer:                "https://sso.internal/realms/acme",
		AuthorizationEndpoint: "https://sso.internal/realms/acme/auth",
		TokenEndpoint:         "https://sso.internal/realms/acme/token",
		JWKSURI:               "https://sso.internal/realms/acme/certs",
	}
	cfg := &Config{
		ClientID:          testClientID,
		AuthorityMetadata: map[string]*AuthorityMetadata{"https://SSO.internal/realms/acme/": md},
		HTTPClient:        failingHTTPClient{},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	r := NewAuthorityResolver(cfg)
	defer r.Close()

	got, err := r.Resolve(context.Background(), "https://sso.internal/realms/acme")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got != md {
		t.Error("Expected the static metadata")
	}
}

func TestAuthorityResolver_RefreshAndInvalidate(t *testing.T) {
	clock := newFakeClock()
	p := newTestIdP(t, clock.Now)
	r := NewAuthorityResolver(p.testConfig(clock.Now))
	defer r.Close()

	ctx := context.Background()
	if _, err := r.Resolve(ctx, p.authority()); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if _, err := r.Refresh(ctx, p.authority()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if got := p.discoveryCalls.Load(); got != 2 {
		t.Errorf("discovery calls after Refresh = %d, want 2", got)
	}

	r.Invalidate(p.authority())
	if _, err := r.Resolve(ctx, p.authority()); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got := p.discoveryCalls.Load(); got != 3 {
		t.Errorf("discovery calls after Invalidate = %d, want 3", got)
	}
}

func TestAuthorityResolver_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	server, cfg := newDiscoveryServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNotFound)
	})
	defer close(release)

	r := NewAuthorityResolver(cfg)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, server.URL+"/tenant")
	if !errors.Is(err, ErrTransientServer) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected transient deadline error, got %v", err)
	}
}

// failingHTTPClient fails every request.
type failingHTTPClient struct{}

func (failingHTTPClient) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("network disabled")
}
