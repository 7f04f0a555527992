package cache

import (
	"slices"
	"strings"
)

// ReservedScopes are the OpenID Connect scopes that are always requested
// during sign-in but never form part of an access token's target.
var ReservedScopes = []string{"openid", "profile", "offline_access"}

// IsReservedScope reports whether s is one of ReservedScopes.
func IsReservedScope(s string) bool {
	return slices.Contains(ReservedScopes, strings.ToLower(s))
}

// NormalizeScopes lower-cases, trims, removes duplicates and reserved scopes,
// and sorts the result.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		for _, part := range strings.Fields(s) {
			part = strings.ToLower(part)
			if IsReservedScope(part) {
				continue
			}
			out = append(out, part)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Target builds the normalized space separated target string.
func Target(scopes []string) string {
	return strings.Join(NormalizeScopes(scopes), " ")
}

// targetContains reports whether every scope in requested is present in
// target. requested must already be normalized.
func targetContains(target string, requested []string) bool {
	have := NormalizeScopes([]string{target})
	for _, s := range requested {
		if _, found := slices.BinarySearch(have, s); !found {
			return false
		}
	}
	return true
}
