package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	pteroauth "github.com/giantswarm/ptero-auth"
	"github.com/giantswarm/ptero-auth/instrumentation"
	"github.com/giantswarm/ptero-auth/providers"
	"github.com/giantswarm/ptero-auth/providers/ldap"
	"github.com/giantswarm/ptero-auth/providers/posix"
	"github.com/giantswarm/ptero-auth/providers/static"
	"github.com/giantswarm/ptero-auth/security"
	"github.com/giantswarm/ptero-auth/server"
	"github.com/giantswarm/ptero-auth/storage"
	"github.com/giantswarm/ptero-auth/storage/memory"
	"github.com/giantswarm/ptero-auth/storage/sqlite"
	"github.com/giantswarm/ptero-auth/storage/valkey"
)

const (
	memoryURL     = "mem://"
	sqliteScheme  = "sqlite://"
	valkeyScheme  = "valkey://"
	valkeysScheme = "valkeys://"

	providerStatic = "static"
	providerPosix  = "posix"
	providerLDAP   = "ldap"

	pemPrefix = "-----BEGIN"
)

// Storage drivers selectable through --database-url
const (
	driverMemory = "memory"
	driverSQLite = "sqlite"
	driverValkey = "valkey"
)

// database is a parsed --database-url.
type database struct {
	driver string
	path   string        // driverSQLite
	valkey valkey.Config // driverValkey
}

// persistent reports whether state outlives the process.
func (d database) persistent() bool {
	return d.driver != driverMemory
}

// parseDatabaseURL resolves rawURL to a storage driver. A bare path is
// treated as a SQLite file.
func parseDatabaseURL(rawURL string) (database, error) {
	rawURL = strings.TrimSpace(rawURL)
	switch {
	case rawURL == "" || rawURL == memoryURL:
		return database{driver: driverMemory}, nil
	case strings.HasPrefix(rawURL, sqliteScheme):
		path := strings.TrimPrefix(rawURL, sqliteScheme)
		if path == "" {
			return database{}, fmt.Errorf("database url %q has no path", rawURL)
		}
		return database{driver: driverSQLite, path: path}, nil
	case strings.HasPrefix(rawURL, valkeyScheme), strings.HasPrefix(rawURL, valkeysScheme):
		cfg, err := parseValkeyURL(rawURL)
		if err != nil {
			return database{}, err
		}
		return database{driver: driverValkey, valkey: cfg}, nil
	case strings.Contains(rawURL, "://"):
		return database{}, fmt.Errorf("unsupported database url %q (want %s, %s/path or %shost:port)", rawURL, memoryURL, sqliteScheme, valkeyScheme)
	default:
		return database{driver: driverSQLite, path: rawURL}, nil
	}
}

// parseValkeyURL parses valkey://[:password@]host:port[/db][?prefix=p].
// The valkeys scheme enables TLS.
func parseValkeyURL(rawURL string) (valkey.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return valkey.Config{}, fmt.Errorf("invalid valkey url: %w", err)
	}
	if u.Host == "" {
		return valkey.Config{}, fmt.Errorf("valkey url %q has no host", rawURL)
	}

	cfg := valkey.Config{
		Address:   u.Host,
		KeyPrefix: u.Query().Get("prefix"),
	}
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			cfg.Password = password
		} else {
			cfg.Password = u.User.Username()
		}
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		cfg.DB, err = strconv.Atoi(db)
		if err != nil || cfg.DB < 0 {
			return valkey.Config{}, fmt.Errorf("invalid valkey database %q", db)
		}
	}
	if u.Scheme == strings.TrimSuffix(valkeysScheme, "://") {
		cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: u.Hostname()}
	}
	return cfg, nil
}

// openStore opens the store named by rawURL. The returned close function is
// never nil.
func openStore(ctx context.Context, rawURL string, logger *slog.Logger) (storage.Store, func() error, error) {
	db, err := parseDatabaseURL(rawURL)
	if err != nil {
		return nil, nil, err
	}

	switch db.driver {
	case driverSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{Path: db.path, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Opened SQLite storage", "path", db.path)
		return store, store.Close, nil
	case driverValkey:
		db.valkey.Logger = logger
		store, err := valkey.New(db.valkey)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { store.Close(); return nil }, nil
	default:
		logger.Warn("Using in-memory storage, all clients and tokens are lost on exit")
		return memory.New(), func() error { return nil }, nil
	}
}

func (c *cli) buildProvider() (providers.IdentityProvider, error) {
	name := strings.ToLower(strings.TrimSpace(c.v.GetString("identity-provider")))
	switch name {
	case providerStatic:
		path := c.v.GetString("users-file")
		if path == "" {
			return nil, fmt.Errorf("the static identity provider requires --users-file")
		}
		return static.Load(path)
	case providerPosix:
		checker := posix.NewSuChecker(posix.SuConfig{
			Command: c.v.GetString("posix-su-command"),
			Timeout: c.v.GetDuration("posix-check-timeout"),
		})
		return posix.New(posix.Config{Checker: checker}), nil
	case providerLDAP:
		return ldap.New(ldap.Config{
			URL:          c.v.GetString("ldap-url"),
			BindDN:       c.v.GetString("ldap-bind-dn"),
			BindPassword: c.v.GetString("ldap-bind-password"),
			BaseDN:       c.v.GetString("ldap-base-dn"),
			UserFilter:   c.v.GetString("ldap-user-filter"),
			GroupFilter:  c.v.GetString("ldap-group-filter"),
			Insecure:     c.v.GetBool("ldap-insecure"),
		})
	default:
		return nil, fmt.Errorf("unknown identity provider %q (want %s, %s or %s)", name, providerStatic, providerPosix, providerLDAP)
	}
}

// buildSigner prefers an RSA key, given inline as PEM or as a file path,
// over an HS256 secret.
func (c *cli) buildSigner() (*security.Signer, error) {
	if key := strings.TrimSpace(c.v.GetString("signature-key")); key != "" {
		var (
			rsaKey *rsa.PrivateKey
			err    error
		)
		if strings.HasPrefix(key, pemPrefix) {
			rsaKey, err = security.ParseRSAPrivateKey([]byte(key))
		} else {
			rsaKey, err = security.LoadRSAPrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load signature key: %w", err)
		}
		return security.NewRS256Signer(rsaKey)
	}
	if secret := c.v.GetString("signature-secret"); secret != "" {
		return security.NewHS256Signer([]byte(secret))
	}
	return nil, errors.New("a signature key is required (--signature-key or " + envPrefix + "_SIGNATURE_KEY)")
}

func (c *cli) serverConfig() *pteroauth.Config {
	return &pteroauth.Config{
		Server: server.Config{
			Issuer:               c.v.GetString("auth-url"),
			AuthorizationCodeTTL: seconds(c.v.GetDuration("code-ttl")),
			AccessTokenTTL:       seconds(c.v.GetDuration("access-token-ttl")),
			RefreshTokenTTL:      seconds(c.v.GetDuration("refresh-token-ttl")),
			IDTokenTTL:           seconds(c.v.GetDuration("id-token-ttl")),
			AdminRole:            c.v.GetString("admin-role"),
		},
		Security: pteroauth.SecurityConfig{
			EnableAuditLogging: c.v.GetBool("audit-logging"),
			TrustProxy:         c.v.GetBool("trust-proxy"),
			TrustedProxyCount:  c.v.GetInt("trusted-proxy-count"),
			AllowedOrigins:     c.v.GetStringSlice("allowed-origins"),
		},
		Instrumentation: instrumentation.Config{
			ServiceName:    appName,
			ServiceVersion: currentVersion(),
			Enabled:        c.v.GetBool("metrics") || c.v.GetString("traces-exporter") == instrumentation.ExporterOTLP,
			TracesExporter: c.v.GetString("traces-exporter"),
			OTLPEndpoint:   c.v.GetString("otlp-endpoint"),
			OTLPInsecure:   c.v.GetBool("otlp-insecure"),
		},
		Logger: c.logger,
	}
}

// newServer builds the authorization server from the bound configuration.
// The returned cleanup function flushes instrumentation and closes storage.
func (c *cli) newServer(ctx context.Context) (*pteroauth.Server, func(), error) {
	signer, err := c.buildSigner()
	if err != nil {
		return nil, nil, err
	}
	provider, err := c.buildProvider()
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := openStore(ctx, c.v.GetString("database-url"), c.logger)
	if err != nil {
		return nil, nil, err
	}

	srv, err := pteroauth.NewServer(store, provider, signer, c.serverConfig())
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Failed to flush instrumentation", "error", err)
		}
		if err := closeStore(); err != nil {
			c.logger.Warn("Failed to close storage", "error", err)
		}
	}
	return srv, cleanup, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
