package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/providers/posix"
	"github.com/giantswarm/ptero-auth/server"
)

const (
	appName   = "ptero-auth"
	envPrefix = "PTERO_AUTH"

	logFormatText = "text"
	logFormatJSON = "json"
)

// cli carries state shared by every subcommand. Each root command owns its
// own viper instance so flags, environment and config file never leak
// between invocations.
type cli struct {
	v          *viper.Viper
	logger     *slog.Logger
	configFile string
}

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s: %s\n", appName, err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New(), logger: slog.Default()}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "ptero-auth is an OAuth2 and OpenID Connect authorization server for ptero services",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Ephemeral server with users from a YAML document (tests/dev only)
  ptero-auth serve --users-file ./users.yaml --signature-key ./signing.pem

  # SQLite storage, configured from the environment
  PTERO_AUTH_DATABASE_URL=sqlite:///var/lib/ptero-auth/ptero.db \
  PTERO_AUTH_SIGNATURE_KEY="$(cat /etc/ptero-auth/signing.pem)" \
  PTERO_AUTH_IDENTITY_PROVIDER=ldap PTERO_AUTH_LDAP_URL=ldaps://ldap.example.com \
  PTERO_AUTH_LDAP_BASE_DN=dc=example,dc=com ptero-auth serve

  # Apply schema migrations without starting the server
  ptero-auth migrate --database-url sqlite:///var/lib/ptero-auth/ptero.db
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (keys match flag names)")
	flags.String("log-format", logFormatText, "log format (text, json)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("database-url", memoryURL, "storage URL (mem://, sqlite:///path/to/ptero.db, valkey://host:6379/0)")
	flags.String("auth-url", server.DefaultIssuer, "issuer URL written to the iss claim of ID tokens")
	flags.String("signature-key", "", "PEM encoded RSA private key, or a path to one, used to sign ID tokens with RS256")
	flags.String("signature-secret", "", "shared secret used to sign ID tokens with HS256 when no RSA key is set")
	flags.String("identity-provider", providerStatic, "identity provider (static, posix, ldap)")
	flags.String("users-file", "", "YAML users document for the static identity provider")
	flags.String("posix-su-command", posix.DefaultSuCommand, "su binary used to verify passwords for the posix identity provider")
	flags.Duration("posix-check-timeout", posix.DefaultCheckTimeout, "time limit of one posix password check")
	flags.String("ldap-url", "", "LDAP directory URL, e.g. ldaps://ldap.example.com:636")
	flags.String("ldap-bind-dn", "", "service DN used for LDAP searches (empty searches anonymously)")
	flags.String("ldap-bind-password", "", "password of --ldap-bind-dn")
	flags.String("ldap-base-dn", "", "LDAP search root")
	flags.String("ldap-user-filter", "", "LDAP filter template locating a posix account")
	flags.String("ldap-group-filter", "", "LDAP filter template locating the posix groups of a user")
	flags.Bool("ldap-insecure", false, "skip LDAP TLS certificate verification")
	flags.String("admin-role", server.DefaultAdminRole, "identity provider role allowed to manage clients")
	flags.Duration("code-ttl", 10*time.Minute, "authorization code lifetime")
	flags.Duration("access-token-ttl", 10*time.Minute, "access token lifetime")
	flags.Duration("refresh-token-ttl", 30*24*time.Hour, "refresh token lifetime")
	flags.Duration("id-token-ttl", 10*time.Minute, "ID token lifetime")
	flags.Bool("audit-logging", true, "write security audit records")
	flags.Bool("metrics", false, "enable OpenTelemetry metrics, exposed on /metrics")
	flags.String("traces-exporter", instrumentation.ExporterNone, "span exporter (otlp, none)")
	flags.String("otlp-endpoint", "", "OTLP/HTTP collector host:port")
	flags.Bool("otlp-insecure", false, "disable TLS towards the OTLP collector")

	if err := c.v.BindPFlags(flags); err != nil {
		panic(err)
	}
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	cmd.AddCommand(newServeCommand(c))
	cmd.AddCommand(newMigrateCommand(c))
	cmd.AddCommand(newClientCommand(c))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// init loads the config file and builds the logger. It runs before every
// subcommand.
func (c *cli) init(cmd *cobra.Command) error {
	configFile, err := loadConfigFile(c.v)
	if err != nil {
		return err
	}
	c.configFile = configFile

	logger, err := newLogger(cmd.ErrOrStderr(), c.v.GetString("log-format"), c.v.GetString("log-level"))
	if err != nil {
		return err
	}
	c.logger = logger.With("app", appName)
	if configFile != "" {
		c.logger.Debug("Loaded config file", "path", configFile)
	}
	return nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", logFormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case logFormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want %s or %s)", format, logFormatText, logFormatJSON)
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
