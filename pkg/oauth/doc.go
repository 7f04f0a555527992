// Package oauth acquires OAuth 2.0 and OpenID Connect tokens for public and
// confidential clients and keeps them in a shared credential cache.
//
// An Application composes two flows over one cache:
//
//   - Interactive: authorization code with PKCE (S256), state and nonce.
//   - Silent: cached access tokens, refreshed with the cached refresh
//     token when they are expired or due for proactive refresh.
//
// # Interactive Sign-in
//
//	app, err := oauth.New(ctx, &oauth.Config{
//	    ClientID:    "client-id",
//	    Authority:   oauth.MicrosoftAuthority(oauth.TenantCommon),
//	    RedirectURI: "http://localhost:8400/callback",
//	    Scopes:      []string{"User.Read"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Close()
//
//	pending, err := app.BeginInteractive(ctx, oauth.AuthorizationRequest{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Send the user to pending.URL. When the authority redirects back,
//	// hand the query to CompleteInteractive:
//
//	result, err := app.CompleteInteractive(ctx, r.URL.Query())
//	if err != nil {
//	    log.Printf("sign-in failed: %v", err)
//	    return
//	}
//	fmt.Println(result.Account.Username)
//
// The pending request, including the PKCE verifier and nonce, is written to
// Config.PendingStorage before the URL is returned. A shared storage lets a
// different process complete the redirect. Each state is accepted once.
//
// # Silent Acquisition
//
//	accounts, _ := app.Accounts(ctx)
//	result, err := app.AcquireTokenSilent(ctx, oauth.SilentRequest{
//	    Account: accounts[0],
//	    Scopes:  []string{"Mail.Read"},
//	})
//	if oauth.IsInteractionRequired(err) {
//	    // start an interactive sign-in
//	}
//
// A cached access token is returned while it is more than Config.ClockSkew
// from expiry and its scopes are a superset of the requested ones. Otherwise
// the refresh token is redeemed; concurrent requests for the same account,
// client, realm and scopes share one redemption. A refresh token the
// authority rejects with invalid_grant is removed from the cache.
//
// Application.TokenSource adapts silent acquisition to oauth2.TokenSource.
//
// # Errors
//
// Every error is an *AuthError. Branch on its kind with errors.Is:
//
//	switch {
//	case oauth.IsInteractionRequired(err):
//	case oauth.IsRetryable(err):
//	case errors.Is(err, oauth.ErrStateMismatch):
//	}
//
// Code, Description and SubError carry the authority's error fields
// verbatim. CorrelationID matches the client-request-id header sent to the
// authority.
//
// # Authorities
//
// Authorities must use https. Hosts are trusted when they are well known,
// listed in Config.KnownAuthorities or matched by Config.TrustedHostPatterns.
// Metadata is discovered from /.well-known/openid-configuration and cached
// for Config.MetadataTTL, or supplied statically through
// Config.AuthorityMetadata.
//
// # Cache
//
// The credential cache uses the MSAL schema so that its file can be shared
// with other MSAL based tools. See package cache for the format and package
// storage for the file, Redis and Vault backends.
package oauth
