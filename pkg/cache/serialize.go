package cache

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

const (
	sectionAccount      = "Account"
	sectionIDToken      = "IdToken"
	sectionAccessToken  = "AccessToken"
	sectionRefreshToken = "RefreshToken"
	sectionAppMetadata  = "AppMetadata"
)

// contents is the full cache document. Sections written by other clients
// sharing the same storage are kept verbatim in extra.
type contents struct {
	Accounts      map[string]Account
	IDTokens      map[string]IDToken
	AccessTokens  map[string]AccessToken
	RefreshTokens map[string]RefreshToken
	AppMetadata   map[string]AppMetadata
	extra         map[string]json.RawMessage
}

func newContents() *contents {
	return &contents{
		Accounts:      map[string]Account{},
		IDTokens:      map[string]IDToken{},
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]RefreshToken{},
		AppMetadata:   map[string]AppMetadata{},
		extra:         map[string]json.RawMessage{},
	}
}

func (ct *contents) clone() *contents {
	return &contents{
		Accounts:      maps.Clone(ct.Accounts),
		IDTokens:      maps.Clone(ct.IDTokens),
		AccessTokens:  maps.Clone(ct.AccessTokens),
		RefreshTokens: maps.Clone(ct.RefreshTokens),
		AppMetadata:   maps.Clone(ct.AppMetadata),
		extra:         maps.Clone(ct.extra),
	}
}

func (ct *contents) marshal() ([]byte, error) {
	doc := make(map[string]interface{}, len(ct.extra)+5)
	for k, v := range ct.extra {
		doc[k] = v
	}
	doc[sectionAccount] = ct.Accounts
	doc[sectionIDToken] = ct.IDTokens
	doc[sectionAccessToken] = ct.AccessTokens
	doc[sectionRefreshToken] = ct.RefreshTokens
	doc[sectionAppMetadata] = ct.AppMetadata
	return json.Marshal(doc)
}

func unmarshalContents(data []byte) (*contents, error) {
	ct := newContents()
	if len(strings.TrimSpace(string(data))) == 0 {
		return ct, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	sections := map[string]interface{}{
		sectionAccount:      &ct.Accounts,
		sectionIDToken:      &ct.IDTokens,
		sectionAccessToken:  &ct.AccessTokens,
		sectionRefreshToken: &ct.RefreshTokens,
		sectionAppMetadata:  &ct.AppMetadata,
	}
	for name, raw := range doc {
		dst, known := sections[name]
		if !known {
			ct.extra[name] = raw
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("section %s: %w", name, err)
		}
	}

	// a section serialized as null decodes to a nil map
	if ct.Accounts == nil {
		ct.Accounts = map[string]Account{}
	}
	if ct.IDTokens == nil {
		ct.IDTokens = map[string]IDToken{}
	}
	if ct.AccessTokens == nil {
		ct.AccessTokens = map[string]AccessToken{}
	}
	if ct.RefreshTokens == nil {
		ct.RefreshTokens = map[string]RefreshToken{}
	}
	if ct.AppMetadata == nil {
		ct.AppMetadata = map[string]AppMetadata{}
	}
	return ct, nil
}

// Serialize returns the cache document in its persisted form.
func (c *CredentialCache) Serialize() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contents.marshal()
}

// Deserialize replaces the in-memory contents with data. It does not write
// to storage.
func (c *CredentialCache) Deserialize(data []byte) error {
	ct, err := unmarshalContents(data)
	if err != nil {
		return fmt.Errorf("cache: deserialize: %w", err)
	}

	c.mu.Lock()
	c.contents = ct
	c.mu.Unlock()
	return nil
}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}
