package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/remote/httpremote"
	"github.com/roach88/fieldsync/internal/remote/memremote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen     string
	ServerIDs  string
	PrintToken bool
	Subject    string
	TTL        time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory reference sync server",
		Long: `Serve the sync protocol over HTTP from an in-memory record store.

Intended for development and field testing: records live only as long as
the process. When jwt_secret is configured every request must carry an
HS256 bearer token signed with it; --print-token mints one and exits.

Examples:
  fieldsync serve --listen 127.0.0.1:8080
  FIELDSYNC_JWT_SECRET=s3cret fieldsync serve --print-token --subject tech-7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from listen_addr)")
	cmd.Flags().StringVar(&opts.ServerIDs, "server-ids", "", "assign server ids with this prefix to created records")
	cmd.Flags().BoolVar(&opts.PrintToken, "print-token", false, "print a bearer token signed with jwt_secret and exit")
	cmd.Flags().StringVar(&opts.Subject, "subject", "device", "token subject for --print-token")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime for --print-token")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	if opts.PrintToken {
		if cfg.JWTSecret == "" {
			return NewExitError(ExitCommandError, "jwt_secret is not configured")
		}
		token, err := httpremote.MintToken([]byte(cfg.JWTSecret), opts.Subject, opts.TTL, time.Now())
		if err != nil {
			return WrapExitError(ExitFailure, "failed to mint token", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	}

	logger, logCloser, err := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logCloser.Close()

	var backendOpts []memremote.Option
	if opts.ServerIDs != "" {
		backendOpts = append(backendOpts, memremote.WithServerIDs(opts.ServerIDs))
	}
	handler := httpremote.NewServer(memremote.New(backendOpts...),
		httpremote.WithSecret([]byte(cfg.JWTSecret)),
		httpremote.WithServerLogger(logger),
	)

	addr := opts.Listen
	if addr == "" {
		addr = cfg.ListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	if cfg.JWTSecret == "" {
		logger.Warn("jwt_secret is empty; requests are not authenticated")
	}
	logger.Info("sync server listening", "addr", ln.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", ln.Addr())

	select {
	case err := <-serveErr:
		return WrapExitError(ExitFailure, "server stopped", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server stopped", err)
	}
	logger.Info("sync server stopped")
	return nil
}
