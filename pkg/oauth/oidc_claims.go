package oauth

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// IDTokenClaims holds the validated claims of an ID token. Well known
// claims are extracted with strict type checks; everything else is kept in
// Extra and never consulted by the engine.
type IDTokenClaims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore time.Time

	Nonce           string
	AuthorizedParty string

	// ObjectID and TenantID are the oid and tid claims issued by
	// multi-tenant authorities.
	ObjectID string
	TenantID string

	Name              string
	PreferredUsername string
	Email             string

	// Extra holds every claim as decoded from the token.
	Extra map[string]interface{}
}

// Username returns the best available sign-in name.
func (c *IDTokenClaims) Username() string {
	switch {
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.Email != "":
		return c.Email
	default:
		if upn, ok := c.Extra["upn"].(string); ok {
			return upn
		}
	}
	return ""
}

// claimSet decodes the payload of a JWT for typed access.
type claimSet map[string]interface{}

func parseClaimSet(payload []byte) (claimSet, error) {
	var cs claimSet
	if err := json.Unmarshal(payload, &cs); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	if cs == nil {
		return nil, fmt.Errorf("decode claims: payload is not an object")
	}
	return cs, nil
}

// str returns the named claim. A present claim of the wrong type is an
// error; an absent one is the empty string.
func (cs claimSet) str(name string) (string, error) {
	v, ok := cs[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("claim %s: expected string, got %T", name, v)
	}
	return s, nil
}

// numericDate returns the named NumericDate claim.
func (cs claimSet) numericDate(name string) (time.Time, error) {
	v, ok := cs[name]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	f, ok := v.(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("claim %s: expected number, got %T", name, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("claim %s: not a finite number", name)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// audience returns aud, which may be a single string or an array of
// strings.
func (cs claimSet) audience() ([]string, error) {
	v, ok := cs["aud"]
	if !ok || v == nil {
		return nil, nil
	}
	switch aud := v.(type) {
	case string:
		return []string{aud}, nil
	case []interface{}:
		out := make([]string, 0, len(aud))
		for _, item := range aud {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("claim aud: expected string element, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("claim aud: expected string or array, got %T", v)
	}
}

// profile fills the informational claims. Type errors here leave the field
// empty rather than failing validation.
func (cs claimSet) profile(c *IDTokenClaims) {
	c.Subject, _ = cs.str("sub")
	c.AuthorizedParty, _ = cs.str("azp")
	c.ObjectID, _ = cs.str("oid")
	c.TenantID, _ = cs.str("tid")
	c.Name, _ = cs.str("name")
	c.PreferredUsername, _ = cs.str("preferred_username")
	c.Email, _ = cs.str("email")
	c.IssuedAt, _ = cs.numericDate("iat")
	c.Extra = map[string]interface{}(cs)
}
