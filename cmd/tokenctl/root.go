package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jeremyhahn/go-tokenkit/pkg/oauth"
)

// Exit codes for scripting.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	// ExitCodeAuthRequired means no token can be obtained without an
	// interactive sign-in.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed means the authority rejected the sign-in.
	ExitCodeAuthFailed = 3
)

var (
	configFile string
	logLevel   string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "tokenctl",
	Short: "Acquire OAuth 2.0 and OpenID Connect tokens from the command line",
	Long: `tokenctl signs in to an OpenID Connect authority with the authorization
code flow and PKCE, keeps the resulting tokens in an MSAL compatible cache and
prints access tokens for scripts, refreshing them silently when needed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logLevel)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(logoutCmd)
}

func execute() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCode(err)
	}
	return ExitCodeSuccess
}

// exitCode maps err to the documented exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitCodeSuccess
	case oauth.IsInteractionRequired(err):
		return ExitCodeAuthRequired
	case errors.Is(err, oauth.ErrAuthorization),
		errors.Is(err, oauth.ErrStateMismatch),
		errors.Is(err, oauth.ErrNonceMismatch),
		errors.Is(err, oauth.ErrTokenExchange):
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}

// newLogger builds a console logger on stderr. Debug level switches to the
// development encoder.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if lvl.Level() == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func defaultConfigDir() string {
	if dir := os.Getenv("TOKENCTL_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tokenctl"
	}
	return filepath.Join(home, ".tokenctl")
}

func defaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}
