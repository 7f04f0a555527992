package oauth

import (
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
)

// Multi-tenant placeholders understood by Microsoft identity platform
// authorities. Tokens from these authorities carry the real tenant in the
// tid claim.
const (
	TenantCommon        = "common"
	TenantOrganizations = "organizations"
	TenantConsumers     = "consumers"

	issuerTenantPlaceholder = "{tenantid}"
	wellKnownConfigPath     = "/.well-known/openid-configuration"
)

// wellKnownAuthorityHosts are trusted without configuration.
var wellKnownAuthorityHosts = []string{
	"login.microsoftonline.com",
	"login.microsoft.com",
	"login.windows.net",
	"sts.windows.net",
	"login.microsoftonline.us",
	"login.chinacloudapi.cn",
	"accounts.google.com",
}

// wellKnownHostPatterns are trusted hosted identity provider domains.
var wellKnownHostPatterns = []string{
	"*.okta.com",
	"*.oktapreview.com",
	"*.auth0.com",
	"*.b2clogin.com",
	"*.ciamlogin.com",
}

// Authority is a parsed and canonicalized authority URL.
type Authority struct {
	// Host is the lower-cased authority host. It is the Environment of
	// accounts and credentials issued through this authority.
	Host string

	// Tenant is the lower-cased path with surrounding slashes removed,
	// such as "common" or "realms/acme". Empty for path-less authorities.
	Tenant string

	canonical string
}

// ParseAuthority validates raw and returns its canonical form. Only https
// authorities without query or fragment are accepted.
func ParseAuthority(raw string) (Authority, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Authority{}, fmt.Errorf("invalid authority %q: %w", raw, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return Authority{}, fmt.Errorf("authority %q must use https", raw)
	}
	if u.Host == "" {
		return Authority{}, fmt.Errorf("authority %q has no host", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return Authority{}, fmt.Errorf("authority %q must not have a query or fragment", raw)
	}

	host := strings.ToLower(u.Host)
	tenant := strings.ToLower(strings.Trim(u.Path, "/"))

	canonical := "https://" + host
	if tenant != "" {
		canonical += "/" + tenant
	}

	return Authority{Host: host, Tenant: tenant, canonical: canonical}, nil
}

// String returns the canonical authority URL.
func (a Authority) String() string {
	return a.canonical
}

// IsMultiTenant reports whether the tenant is a placeholder rather than a
// specific tenant.
func (a Authority) IsMultiTenant() bool {
	switch a.Tenant {
	case TenantCommon, TenantOrganizations, TenantConsumers:
		return true
	}
	return false
}

// DiscoveryURL returns the OpenID Connect discovery document URL.
func (a Authority) DiscoveryURL() string {
	return a.canonical + wellKnownConfigPath
}

// Realm returns the realm credentials for this authority are stored under.
// Multi-tenant authorities defer to the account's home realm.
func (a Authority) Realm(accountRealm string) string {
	if a.IsMultiTenant() {
		return strings.ToLower(accountRealm)
	}
	return a.Tenant
}

// hostTrusted reports whether host is built in, listed in known, or
// matches one of patterns.
func hostTrusted(host string, known, patterns []string) bool {
	host = strings.ToLower(host)
	if slices.Contains(wellKnownAuthorityHosts, host) {
		return true
	}
	for _, k := range known {
		if strings.EqualFold(strings.TrimSpace(k), host) {
			return true
		}
	}
	for _, p := range append(slices.Clone(wellKnownHostPatterns), patterns...) {
		if ok, err := path.Match(strings.ToLower(p), host); err == nil && ok {
			return true
		}
	}
	return false
}

// issuerConsistent reports whether a discovered issuer may belong to a.
// The issuer must be https on the same host. Tenant specific paths are not
// compared because authorities addressed by domain name report issuers by
// tenant id.
func issuerConsistent(a Authority, issuer string) bool {
	u, err := url.Parse(issuer)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "https") && strings.EqualFold(u.Host, a.Host)
}

// MicrosoftAuthority returns the Microsoft identity platform authority for
// tenant. An empty tenant means common.
func MicrosoftAuthority(tenant string) string {
	if tenant == "" {
		tenant = TenantCommon
	}
	return "https://login.microsoftonline.com/" + tenant
}

// GoogleAuthority returns the Google authority.
func GoogleAuthority() string {
	return "https://accounts.google.com"
}

// OktaAuthority returns the default authorization server of an Okta org.
func OktaAuthority(domain string) string {
	return "https://" + strings.TrimSuffix(domain, "/") + "/oauth2/default"
}

// Auth0Authority returns the authority of an Auth0 tenant domain.
func Auth0Authority(domain string) string {
	return "https://" + strings.TrimSuffix(domain, "/")
}

// KeycloakAuthority returns the authority of a Keycloak realm.
func KeycloakAuthority(baseURL, realm string) string {
	return strings.TrimSuffix(baseURL, "/") + "/realms/" + realm
}
