package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	pteroauth "github.com/giantswarm/ptero-auth"
)

const (
	defaultListenAddr      = ":8080"
	defaultShutdownTimeout = 15 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

func newServeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			srv, cleanup, err := c.newServer(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			addr := c.v.GetString("listen-addr")
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			c.logger.Info("Serving authorization endpoints",
				"addr", ln.Addr().String(),
				"issuer", srv.Issuer(),
				"config_file", c.configFile)

			handler := pteroauth.NewHandler(srv, c.logger)
			return serveHTTP(ctx, ln, handler.Routes(), c.v.GetDuration("shutdown-timeout"), c.logger)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", defaultListenAddr, "listen address")
	flags.Duration("shutdown-timeout", defaultShutdownTimeout, "time allowed for in-flight requests on shutdown")
	flags.Bool("trust-proxy", false, "trust X-Forwarded-For and X-Real-IP (only behind a reverse proxy)")
	flags.Int("trusted-proxy-count", 1, "number of trusted proxies in front of the server")
	flags.StringSlice("allowed-origins", nil, "browser origins allowed to call the token endpoint")

	bindFlags(c.v, flags, "listen-addr", "shutdown-timeout", "trust-proxy", "trusted-proxy-count", "allowed-origins")
	return cmd
}

// bindFlags binds the named flags of fs to v. A missing flag is a programming
// error.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := v.BindPFlag(name, fs.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// serveHTTP serves handler on ln until ctx is cancelled, then drains
// in-flight requests for at most timeout.
func serveHTTP(ctx context.Context, ln net.Listener, handler http.Handler, timeout time.Duration, logger *slog.Logger) error {
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
