package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
	"github.com/jeremyhahn/go-tokenkit/pkg/oauth"
)

var (
	tokenAccount      string
	tokenScopes       []string
	tokenForceRefresh bool
	tokenOutput       string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an access token without user interaction",
	Long: `Print an access token for a signed-in account.

The token is served from the cache or refreshed with the cached refresh token.
When neither is possible tokenctl exits with code 2 and a new login is needed.

Examples:
  tokenctl token
  tokenctl token --account alice@example.com --scopes Mail.Read
  tokenctl token --output json`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAccount, "account", "", "home account id or username (default: the only cached account)")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scopes", nil, "scopes to request (default from config)")
	tokenCmd.Flags().BoolVar(&tokenForceRefresh, "force-refresh", false, "skip the cached access token")
	tokenCmd.Flags().StringVarP(&tokenOutput, "output", "o", "text", "output format (text, json)")
}

func runToken(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	accounts, err := s.app.Accounts(ctx)
	if err != nil {
		return err
	}
	account, err := findAccount(accounts, tokenAccount)
	if err != nil {
		return err
	}

	res, err := s.app.AcquireTokenSilent(ctx, oauth.SilentRequest{
		Account:      account,
		Scopes:       tokenScopes,
		ForceRefresh: tokenForceRefresh,
	})
	if err != nil {
		if oauth.IsInteractionRequired(err) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Interactive sign-in required. Run 'tokenctl login'.")
		}
		return err
	}

	return printToken(cmd.OutOrStdout(), tokenOutput, res)
}

type tokenOutputJSON struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresOn   time.Time `json:"expires_on"`
	Scopes      []string  `json:"scopes"`
	Account     string    `json:"account"`
	Source      string    `json:"source"`
}

func printToken(w io.Writer, format string, res *oauth.TokenResult) error {
	switch format {
	case "text", "":
		_, err := fmt.Fprintln(w, res.AccessToken)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tokenOutputJSON{
			AccessToken: res.AccessToken,
			TokenType:   res.TokenType,
			ExpiresOn:   res.ExpiresOn.UTC(),
			Scopes:      res.Scopes,
			Account:     res.Account.HomeAccountID,
			Source:      string(res.Source),
		})
	}
	return fmt.Errorf("unknown output format %q", format)
}

// findAccount selects the account named by selector, matching the home
// account id or the username. An empty selector picks the only account.
func findAccount(accounts []cache.Account, selector string) (cache.Account, error) {
	noAccount := &oauth.AuthError{
		Kind:  oauth.ErrNoCredentials,
		Stage: oauth.StageCache,
	}

	if selector == "" {
		switch len(accounts) {
		case 0:
			noAccount.Description = "no signed-in accounts"
			return cache.Account{}, noAccount
		case 1:
			return accounts[0], nil
		}
		return cache.Account{}, fmt.Errorf("%d accounts are signed in, select one with --account", len(accounts))
	}

	for _, a := range accounts {
		if strings.EqualFold(a.HomeAccountID, selector) || strings.EqualFold(a.Username, selector) {
			return a, nil
		}
	}
	noAccount.Description = fmt.Sprintf("account %q is not signed in", selector)
	return cache.Account{}, noAccount
}
