package oauth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeremyhahn/go-tokenkit/pkg/storage"
)

func TestNew_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "nil", cfg: nil},
		{name: "no client id", cfg: &Config{Authority: "https://login.example.com/common"}},
		{name: "http authority", cfg: &Config{ClientID: "c", Authority: "http://login.example.com/common"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, err := New(context.Background(), tt.cfg)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("Expected ErrInvalidConfiguration, got %v", err)
			}
			if app != nil {
				t.Error("Expected no application")
			}

			var ae *AuthError
			if !errors.As(err, &ae) || ae.Stage != StageConfig {
				t.Errorf("Expected an AuthError from the config stage, got %#v", err)
			}
		})
	}
}

func TestNew_CorruptCache(t *testing.T) {
	store := storage.NewMemory()
	if err := store.Write(context.Background(), []byte("{not json")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	_, err := New(context.Background(), &Config{ClientID: "c", CacheStorage: store})
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("Expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestApplication_AccountsAndRemove(t *testing.T) {
	clock := newFakeClock()
	p := newTestIdP(t, clock.Now)
	app := newTestApp(t, p, clock)
	ctx := context.Background()

	accounts, err := app.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts() failed: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("Expected an empty cache, got %d accounts", len(accounts))
	}

	res := signIn(t, app, p)

	accounts, err = app.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts() failed: %v", err)
	}
	if len(accounts) != 1 || accounts[0].HomeAccountID != res.Account.HomeAccountID {
		t.Fatalf("Accounts() = %+v", accounts)
	}
	if accounts[0].Username != "alice@example.com" {
		t.Errorf("Username = %s", accounts[0].Username)
	}

	if err := app.RemoveAccount(ctx, accounts[0]); err != nil {
		t.Fatalf("RemoveAccount() failed: %v", err)
	}

	accounts, _ = app.Accounts(ctx)
	if len(accounts) != 0 {
		t.Errorf("Expected no accounts after removal, got %d", len(accounts))
	}

	// credentials went with the account
	_, err = app.AcquireTokenSilent(ctx, SilentRequest{Account: res.Account})
	if !IsInteractionRequired(err) {
		t.Fatalf("Expected interaction required after removal, got %v", err)
	}
	if _, ok := app.Cache().GetRefreshToken(res.Account, testClientID); ok {
		t.Error("Expected the refresh token to be removed")
	}
}

func TestApplication_AccountsCancelled(t *testing.T) {
	clock := newFakeClock()
	p := newTestIdP(t, clock.Now)
	app := newTestApp(t, p, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := app.Accounts(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestApplication_TokenSource(t *testing.T) {
	clock := newFakeClock()
	p := newTestIdP(t, clock.Now)
	app := newTestApp(t, p, clock)

	res := signIn(t, app, p)
	calls := p.tokenCalls.Load()

	ts := app.TokenSource(context.Background(), res.Account, "User.Read")
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	if tok.AccessToken != res.AccessToken || tok.TokenType != "Bearer" {
		t.Errorf("token = %+v", tok)
	}
	if tok.Extra("id_token") == nil {
		t.Error("Expected the id_token in the token extras")
	}
	if got := p.tokenCalls.Load(); got != calls {
		t.Errorf("token calls = %d, want %d", got, calls)
	}

	other := app.TokenSource(context.Background(), res.Account)
	if _, err := other.Token(); err != nil {
		t.Fatalf("Token() with default scopes failed: %v", err)
	}
}

func TestApplication_WatchCache(t *testing.T) {
	clock := newFakeClock()
	p := newTestIdP(t, clock.Now)
	path := filepath.Join(t.TempDir(), "msal.cache.json")

	fileStorage := func(t *testing.T) storage.Storage {
		f, err := storage.NewFile(path, storage.WithDebounceDelay(10*time.Millisecond))
		if err != nil {
			t.Fatalf("NewFile() failed: %v", err)
		}
		return f
	}

	watcher := newTestApp(t, p, clock, func(c *Config) {
		c.CacheStorage = fileStorage(t)
		c.WatchCache = true
	})
	writer := newTestApp(t, p, clock, func(c *Config) {
		c.CacheStorage = fileStorage(t)
	})

	res := signIn(t, writer, p)

	deadline := time.Now().Add(5 * time.Second)
	for {
		accounts, _ := watcher.Accounts(context.Background())
		if len(accounts) == 1 && accounts[0].HomeAccountID == res.Account.HomeAccountID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watching application never saw the new account")
		}
		time.Sleep(20 * time.Millisecond)
	}

	calls := p.tokenCalls.Load()
	got, err := watcher.AcquireTokenSilent(context.Background(), SilentRequest{Account: res.Account})
	if err != nil {
		t.Fatalf("AcquireTokenSilent() failed: %v", err)
	}
	if got.AccessToken != res.AccessToken || got.Source != SourceCache {
		t.Errorf("result = %+v", got)
	}
	if p.tokenCalls.Load() != calls {
		t.Error("Expected the reloaded token to be served without a network call")
	}
}

func TestApplication_CloseIdempotent(t *testing.T) {
	clock := newFakeClock()
	p := newTestIdP(t, clock.Now)

	app, err := New(context.Background(), p.testConfig(clock.Now))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}
