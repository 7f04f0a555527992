package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeremyhahn/go-tokenkit/pkg/oauth"
)

var (
	loginScopes  []string
	loginHint    string
	loginPrompt  string
	loginTimeout time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in interactively",
	Long: `Sign in with the authorization code flow.

tokenctl listens on the configured loopback redirect URI, prints the
authorization URL and waits for the authority to redirect the browser back.

Examples:
  tokenctl login
  tokenctl login --scopes User.Read,Mail.Read --prompt select_account`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringSliceVar(&loginScopes, "scopes", nil, "scopes to request (default from config)")
	loginCmd.Flags().StringVar(&loginHint, "login-hint", "", "username to pre-fill at the authority")
	loginCmd.Flags().StringVar(&loginPrompt, "prompt", "", "prompt parameter, for example select_account or consent")
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "how long to wait for the redirect")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	cb, err := listenLoopback(s.config.RedirectURI)
	if err != nil {
		return err
	}
	defer cb.Close()

	pending, err := s.app.BeginInteractive(ctx, oauth.AuthorizationRequest{
		Scopes:    loginScopes,
		LoginHint: loginHint,
		Prompt:    loginPrompt,
	})
	if err != nil {
		return err
	}
	cb.expect(pending.State)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Open the following URL in your browser to sign in:\n\n  %s\n\n", pending.URL)

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	sp.Suffix = " Waiting for sign-in..."
	sp.Start()

	waitCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	params, err := cb.wait(waitCtx)
	sp.Stop()
	if err != nil {
		return fmt.Errorf("no redirect received: %w", err)
	}

	res, err := s.app.CompleteInteractive(ctx, params)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Signed in as %s\n", displayName(res.Account.Username, res.Account.HomeAccountID))
	fmt.Fprintf(out, "Account: %s\n", res.Account.HomeAccountID)
	return nil
}

// callbackServer receives the authority's redirect on a loopback address.
// Only a request carrying the expected state is delivered.
type callbackServer struct {
	server  *http.Server
	results chan url.Values

	mu    sync.Mutex
	state string
}

// expect sets the state of the sign-in the server waits for.
func (cb *callbackServer) expect(state string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = state
}

// listenLoopback binds the host and port of redirectURI, which must be a
// loopback http URI with an explicit port.
func listenLoopback(redirectURI string) (*callbackServer, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect uri: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect uri %q must use http on a loopback address", redirectURI)
	}
	if !isLoopback(u.Hostname()) {
		return nil, fmt.Errorf("redirect uri %q is not a loopback address", redirectURI)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("redirect uri %q has no port", redirectURI)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(u.Hostname(), u.Port()))
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", u.Host, err)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	cb := &callbackServer{results: make(chan url.Values, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc(path, cb.handle)
	cb.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := cb.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("callback server stopped", zap.Error(err))
		}
	}()
	return cb, nil
}

func (cb *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if !params.Has("state") {
		http.Error(w, "missing state", http.StatusBadRequest)
		return
	}

	cb.mu.Lock()
	expected := cb.state
	cb.mu.Unlock()
	if expected == "" || params.Get("state") != expected {
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}

	select {
	case cb.results <- params:
	default:
		http.Error(w, "sign-in already completed", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if params.Has("error") {
		fmt.Fprintf(w, "Sign-in failed: %s. You can close this window.\n", params.Get("error"))
		return
	}
	fmt.Fprintln(w, "Sign-in complete. You can close this window.")
}

func (cb *callbackServer) wait(ctx context.Context) (url.Values, error) {
	select {
	case params := <-cb.results:
		return params, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cb *callbackServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return cb.server.Shutdown(ctx)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func displayName(username, fallback string) string {
	if username != "" {
		return username
	}
	return fallback
}
