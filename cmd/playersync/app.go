package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"playersync/internal/admin"
	"playersync/internal/catalog"
	"playersync/internal/config"
	"playersync/internal/livestore"
	"playersync/internal/logging"
	"playersync/internal/metrics"
	"playersync/internal/store"
	"playersync/internal/syncer"
)

// app holds everything a command needs, opened from the configuration.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.Metrics
	catalog *catalog.Registry
	db      *store.Store
	flags   *store.Store
	live    *livestore.Store
	out     io.Writer
	errOut  io.Writer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if userFlag != "" {
		cfg.Sync.UserID = userFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = cfg.Output
	lc.FilePath = cfg.FilePath
	lc.MaxSize = int64(cfg.MaxSizeMB)
	lc.MaxBackups = cfg.MaxBackups
	lc.MaxAge = cfg.MaxAgeDays
	lc.Compress = cfg.Compress
	if verbose {
		lc.Level = logging.LevelDebug
	}
	if cfg.Output == "" || cfg.Output == "stderr" {
		lc.Writer = w
	}
	return logging.New(lc)
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}

	if a.log, err = newLogger(cfg.Logging, a.errOut); err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(a.log)

	if cfg.Logging.AuditPath != "" {
		ac := logging.DefaultAuditConfig()
		ac.FilePath = cfg.Logging.AuditPath
		if a.audit, err = logging.NewAuditLogger(ac); err != nil {
			a.close()
			return nil, err
		}
	}
	a.metrics = metrics.New(cfg.Metrics.Runtime)

	a.catalog = catalog.NewRegistry()
	if err := a.catalog.LoadFiles(cfg.Catalog.Paths...); err != nil {
		a.close()
		return nil, err
	}

	busy := time.Duration(cfg.Storage.BusyTimeoutMs) * time.Millisecond
	if a.db, err = store.OpenWithTimeout(cfg.Storage.Path, busy); err != nil {
		a.close()
		return nil, err
	}
	a.flags = a.db.InNamespace(cfg.Sync.Namespace)

	if a.live, err = livestore.Open(cfg.Live.Path, a.catalog); err != nil {
		a.close()
		return nil, err
	}

	a.log.Debug("opened",
		"db", cfg.Storage.Path,
		"live", cfg.Live.Path,
		"settings", a.catalog.Len(),
	)
	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}

func (a *app) requireUser() (string, error) {
	if a.cfg.Sync.UserID == "" {
		return "", errors.New("no user selected: pass --user or set sync.user_id")
	}
	return a.cfg.Sync.UserID, nil
}

func (a *app) engine() (*syncer.Engine, error) {
	userID, err := a.requireUser()
	if err != nil {
		return nil, err
	}
	return syncer.New(syncer.Config{
		UserID:        userID,
		SelfNamespace: a.cfg.Sync.Namespace,
		Exclude:       a.cfg.Sync.Exclude,
	}, syncer.Deps{
		Catalog:  a.catalog,
		Live:     a.live,
		Flags:    a.flags,
		Notifier: &streamNotifier{w: a.errOut},
		Logger:   a.log.Logger,
		Audit:    a.audit,
		Metrics:  a.metrics,
	})
}

func (a *app) console() (*admin.Console, error) {
	actorID, err := a.requireUser()
	if err != nil {
		return nil, err
	}
	return admin.New(admin.Config{
		ActorID:       actorID,
		SelfNamespace: a.cfg.Sync.Namespace,
		Exclude:       a.cfg.Sync.Exclude,
	}, admin.Deps{
		Catalog:   a.catalog,
		Flags:     a.flags,
		Directory: a.db,
		Notifier:  &streamNotifier{w: a.errOut},
		Logger:    a.log.Logger,
		Audit:     a.audit,
		Metrics:   a.metrics,
	}), nil
}

// withApp opens the app for the duration of a command.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd, a, args)
	}
}
