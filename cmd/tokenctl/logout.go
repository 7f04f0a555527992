package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
)

var (
	logoutAccount string
	logoutAll     bool
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove an account and its tokens from the cache",
	Long: `Remove an account and its tokens from the cache.

Examples:
  tokenctl logout --account alice@example.com
  tokenctl logout --all`,
	RunE: runLogout,
}

func init() {
	logoutCmd.Flags().StringVar(&logoutAccount, "account", "", "home account id or username")
	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "remove every account")
	logoutCmd.MarkFlagsMutuallyExclusive("account", "all")
}

func runLogout(cmd *cobra.Command, args []string) error {
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

	if !logoutAll {
		account, err := findAccount(accounts, logoutAccount)
		if err != nil {
			return err
		}
		accounts = []cache.Account{account}
	}

	for _, a := range accounts {
		if err := s.app.RemoveAccount(ctx, a); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed out %s\n", displayName(a.Username, a.HomeAccountID))
	}
	return nil
}
