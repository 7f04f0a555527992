package oauth

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func TestSeconds_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "number", input: `3600`, want: time.Hour},
		{name: "string", input: `"3599"`, want: 3599 * time.Second},
		{name: "fractional", input: `1.5`, want: time.Second},
		{name: "null", input: `null`, want: 0},
		{name: "empty string", input: `""`, want: 0},
		{name: "garbage", input: `"soon"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s seconds
			err := json.Unmarshal([]byte(tt.input), &s)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() failed: %v", err)
			}
			if s.duration() != tt.want {
				t.Errorf("duration() = %v, want %v", s.duration(), tt.want)
			}
		})
	}
}

func TestTokenResponse_GrantedScopes(t *testing.T) {
	requested := []string{"User.Read"}

	tr := &tokenResponse{}
	if got := tr.grantedScopes(requested); len(got) != 1 || got[0] != "User.Read" {
		t.Errorf("grantedScopes() without scope = %v", got)
	}

	tr.Scope = "User.Read  Mail.Read openid"
	got := tr.grantedScopes(requested)
	if len(got) != 3 || got[1] != "Mail.Read" {
		t.Errorf("grantedScopes() = %v", got)
	}
}

func TestParseErrorResponse(t *testing.T) {
	e := parseErrorResponse([]byte(`{"error":"invalid_grant","error_description":"AADSTS70008: expired","suberror":"bad_token","error_codes":[70008]}`))
	if e.Error != "invalid_grant" || e.SubError != "bad_token" || len(e.ErrorCodes) != 1 {
		t.Errorf("parseErrorResponse() = %+v", e)
	}

	if e := parseErrorResponse([]byte("<html>bad gateway</html>")); e.Error != "" {
		t.Errorf("Expected empty error for a non-JSON body, got %+v", e)
	}
}

func TestParseClientInfo(t *testing.T) {
	c := SystemCrypto{}
	raw := base64.RawURLEncoding.EncodeToString([]byte(`{"uid":"u1","utid":"t1"}`))

	ci, err := parseClientInfo(c, raw)
	if err != nil {
		t.Fatalf("parseClientInfo() failed: %v", err)
	}
	if ci.UID != "u1" || ci.UTID != "t1" {
		t.Errorf("clientInfo = %+v", ci)
	}

	padded := base64.URLEncoding.EncodeToString([]byte(`{"uid":"u1","utid":"t1"}`))
	if _, err := parseClientInfo(c, padded); err != nil {
		t.Errorf("Expected padded client_info to parse, got %v", err)
	}

	if ci, err := parseClientInfo(c, ""); err != nil || ci.UID != "" {
		t.Errorf("Expected empty client_info to be ignored, got %+v, %v", ci, err)
	}

	if _, err := parseClientInfo(c, "%%%"); err == nil {
		t.Error("Expected error for invalid encoding")
	}
	if _, err := parseClientInfo(c, base64.RawURLEncoding.EncodeToString([]byte("not json"))); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestAccountFromToken(t *testing.T) {
	authority, err := ParseAuthority("https://login.example.com/common")
	if err != nil {
		t.Fatalf("ParseAuthority() failed: %v", err)
	}

	claims := &IDTokenClaims{
		Subject:           "sub-1",
		ObjectID:          "oid-1",
		TenantID:          "TID-1",
		Name:              "Alice",
		PreferredUsername: "alice@example.com",
		Extra:             map[string]interface{}{"oid": "oid-1"},
	}

	t.Run("client info wins", func(t *testing.T) {
		a := accountFromToken(claims, clientInfo{UID: "u1", UTID: "t1"}, authority)
		if a.HomeAccountID != "u1.t1" {
			t.Errorf("HomeAccountID = %s", a.HomeAccountID)
		}
		if a.Environment != "login.example.com" || a.Realm != "tid-1" || a.LocalAccountID != "oid-1" {
			t.Errorf("account = %+v", a)
		}
		if a.Username != "alice@example.com" || a.Name != "Alice" {
			t.Errorf("Username/Name = %s/%s", a.Username, a.Name)
		}
	})

	t.Run("claims only", func(t *testing.T) {
		a := accountFromToken(claims, clientInfo{}, authority)
		if a.HomeAccountID != "oid-1.TID-1" {
			t.Errorf("HomeAccountID = %s", a.HomeAccountID)
		}
	})

	t.Run("subject without tenant", func(t *testing.T) {
		a := accountFromToken(&IDTokenClaims{Subject: "sub-1"}, clientInfo{}, authority)
		if a.LocalAccountID != "sub-1" {
			t.Errorf("LocalAccountID = %s", a.LocalAccountID)
		}
		// the authority tenant fills the realm
		if a.HomeAccountID != "sub-1.common" || a.Realm != "common" {
			t.Errorf("HomeAccountID/Realm = %s/%s", a.HomeAccountID, a.Realm)
		}
	})
}

func TestTokenResult_OAuth2Token(t *testing.T) {
	expires := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	res := &TokenResult{
		AccessToken: "at",
		TokenType:   "Bearer",
		ExpiresOn:   expires,
		IDToken:     "idt",
	}

	tok := res.OAuth2Token()
	if tok.AccessToken != "at" || tok.TokenType != "Bearer" || !tok.Expiry.Equal(expires) {
		t.Errorf("token = %+v", tok)
	}
	if got, _ := tok.Extra("id_token").(string); got != "idt" {
		t.Errorf("id_token extra = %q", got)
	}

	res.IDToken = ""
	if tok := res.OAuth2Token(); tok.Extra("id_token") != nil {
		t.Error("Expected no id_token extra")
	}
}
