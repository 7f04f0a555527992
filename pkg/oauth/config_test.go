package oauth

import (
	"errors"
	"testing"
	"time"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
)

func TestConfig_Validate(t *testing.T) {
	validMetadata := &AuthorityMetadata{
		Issuer:                "https://sso.example.com",
		AuthorizationEndpoint: "https://sso.example.com/authorize",
		TokenEndpoint:         "https://sso.example.com/token",
		JWKSURI:               "https://sso.example.com/keys",
	}

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "nil config", config: nil, wantErr: true},
		{name: "missing client id", config: &Config{Authority: MicrosoftAuthority("")}, wantErr: true},
		{name: "minimal", config: &Config{ClientID: "app"}},
		{name: "full", config: &Config{
			ClientID:    "app",
			Authority:   MicrosoftAuthority("common"),
			RedirectURI: "http://localhost:8400/callback",
			Scopes:      []string{"User.Read"},
		}},
		{name: "http authority", config: &Config{ClientID: "app", Authority: "http://login.microsoftonline.com/common"}, wantErr: true},
		{name: "relative redirect", config: &Config{ClientID: "app", RedirectURI: "/callback"}, wantErr: true},
		{name: "redirect with fragment", config: &Config{ClientID: "app", RedirectURI: "http://localhost/cb#frag"}, wantErr: true},
		{name: "static metadata", config: &Config{
			ClientID:          "app",
			AuthorityMetadata: map[string]*AuthorityMetadata{"https://sso.example.com": validMetadata},
		}},
		{name: "incomplete static metadata", config: &Config{
			ClientID:          "app",
			AuthorityMetadata: map[string]*AuthorityMetadata{"https://sso.example.com": {Issuer: "https://sso.example.com"}},
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{ClientID: "app"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	if cfg.ClockSkew != cache.DefaultSkew {
		t.Errorf("ClockSkew = %v, want %v", cfg.ClockSkew, cache.DefaultSkew)
	}
	if cfg.MetadataTTL != 24*time.Hour {
		t.Errorf("MetadataTTL = %v, want 24h", cfg.MetadataTTL)
	}
	if cfg.PendingTTL != 10*time.Minute {
		t.Errorf("PendingTTL = %v, want 10m", cfg.PendingTTL)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.HTTPClient == nil || cfg.Crypto == nil || cfg.Logger == nil || cfg.Now == nil {
		t.Error("Expected transport, crypto, logger and clock defaults")
	}
	if cfg.CacheStorage == nil || cfg.PendingStorage == nil {
		t.Error("Expected in-memory storage defaults")
	}
}
