package main

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-tokenkit/pkg/cache"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List signed-in accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccounts,
}

func runAccounts(cmd *cobra.Command, args []string) error {
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

	renderAccounts(cmd.OutOrStdout(), accounts, s.app.Cache(), s.config.ClientID)
	return nil
}

func renderAccounts(w io.Writer, accounts []cache.Account, c *cache.CredentialCache, clientID string) {
	if len(accounts) == 0 {
		fmt.Fprintln(w, "No accounts signed in.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Username", "Home Account ID", "Environment", "Realm", "Refresh"})

	for _, a := range accounts {
		refresh := text.FgYellow.Sprint("none")
		if _, ok := c.GetRefreshToken(a, clientID); ok {
			refresh = text.FgGreen.Sprint("available")
		}
		t.AppendRow(table.Row{displayName(a.Username, "-"), a.HomeAccountID, a.Environment, a.Realm, refresh})
	}
	t.Render()
}
