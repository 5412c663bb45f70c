package cli

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/deadletter"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/logging"
	"github.com/roach88/fieldsync/internal/policy"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/remote/httpremote"
	"github.com/roach88/fieldsync/internal/store"
)

// app is the wiring shared by commands that work on the local store.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *store.Store
	engine      *engine.Engine
	deadLetters *deadletter.Handler

	closers []io.Closer
}

// openApp loads configuration, opens the store and builds the engine.
// withRemote connects the HTTP remote; commands that never send leave
// the engine without one.
func openApp(opts *RootOptions, cmd *cobra.Command, withRemote bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := newLogger(opts, cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	pol := policy.Default()
	if cfg.PolicyFile != "" {
		pol, err = policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
		}
	}

	var rs remote.Store
	if withRemote {
		client, err := newRemote(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		rs = client
	}

	logger.Debug("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	a.store = st
	a.closers = append([]io.Closer{st}, a.closers...)

	a.engine = engine.New(st, rs,
		engine.WithLogger(logger),
		engine.WithPolicy(pol),
		engine.WithBackoff(cfg.Backoff()),
		engine.WithDeviceID(cfg.DeviceID),
		engine.WithSendTimeout(cfg.SendTimeout),
		engine.WithTickInterval(cfg.SyncInterval),
		engine.WithMaxOpsPerDrain(cfg.MaxOpsPerDrain),
		engine.WithCommittedRetention(cfg.CommittedRetention),
	)
	a.deadLetters = deadletter.New(st,
		deadletter.WithLogger(logger),
		deadletter.WithWake(a.engine.SyncNow),
	)
	return a, nil
}

// Close releases the store and the log file.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	loadOpts := []config.Option{config.WithEnvFile(opts.EnvFile)}
	if opts.ConfigFile != "" {
		loadOpts = append(loadOpts, config.WithConfigFile(opts.ConfigFile))
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

func newLogger(opts *RootOptions, cfg *config.Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.New(w, logging.Options{
		Level:      cfg.LogLevel,
		Verbose:    opts.Verbose,
		JSON:       opts.Format == "json",
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	return logger, closer, nil
}

func newRemote(cfg *config.Config) (*httpremote.Client, error) {
	if cfg.RemoteURL == "" {
		return nil, NewExitError(ExitCommandError, "remote_url is not configured")
	}
	var clientOpts []httpremote.ClientOption
	switch {
	case cfg.TokenFile != "":
		clientOpts = append(clientOpts, httpremote.WithCredentials(httpremote.FileToken(cfg.TokenFile)))
	case cfg.Token != "":
		clientOpts = append(clientOpts, httpremote.WithCredentials(remote.StaticToken(cfg.Token)))
	}
	client, err := httpremote.NewClient(cfg.RemoteURL, clientOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid remote_url", err)
	}
	return client, nil
}
