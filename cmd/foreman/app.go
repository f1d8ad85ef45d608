package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/executor"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/security"
	"github.com/cuemby/foreman/pkg/storage"
)

// app holds what every command opens from the configuration
type app struct {
	cfg        *config.Config
	configPath string
	store      *storage.GormStore
	secrets    *security.SecretsManager
	notifier   events.Notifier
	closers    []func() error
}

// setup loads the configuration, initializes logging and opens the
// repository and the secret key
func setup(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	initLogging(cmd, cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.Open(storage.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		LogSQL:       cfg.Database.LogSQL,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, configPath: path, store: store, notifier: events.Nop{}}
	a.closers = append(a.closers, store.Close)

	secrets, err := security.LoadOrCreateKeyFile(cfg.SecretKeyFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load secret key: %w", err)
	}
	a.secrets = secrets

	if cfg.Status.URL != "" {
		ws, err := events.NewWSPublisher(cfg.Status.URL, cfg.Status.Token)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.notifier = events.Multi{ws}
		a.closers = append(a.closers, ws.Close)
	}
	return a, nil
}

func initLogging(cmd *cobra.Command, cfg *config.Config) {
	level := cfg.Log.Level
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}
	jsonOut := cfg.Log.JSON
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		jsonOut = true
	}
	logCfg := log.Config{Level: log.Level(level), JSONOutput: jsonOut}
	if cfg.Log.File != "" {
		logCfg.File = &log.FileConfig{Path: cfg.Log.File, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
	}
	log.Init(logCfg)
}

// Close releases everything setup opened, last opened first
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger := log.WithComponent("cli")
			logger.Debug().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}

// withNotifier adds n to the status sinks
func (a *app) withNotifier(n events.Notifier) {
	if multi, ok := a.notifier.(events.Multi); ok {
		a.notifier = append(multi, n)
		return
	}
	a.notifier = events.Multi{n}
}

func (a *app) factory() *executor.Factory {
	e := a.cfg.Executor
	return executor.NewFactory(executor.Config{
		RunDir:          a.cfg.RunDir,
		CodeDir:         a.cfg.CodeDir,
		BundleDir:       a.cfg.BundleDir,
		AnsiblePlaybook: e.AnsiblePlaybook,
		Python:          e.Python,
		VaultScript:     e.VaultScript,
		VenvRoot:        e.VenvRoot,
		KillGrace:       e.KillGrace,
	}, a.store, a.secrets)
}

// openPool connects the configured pool backend
func (a *app) openPool(ctx context.Context) (pool.Pool, error) {
	p := a.cfg.Pool
	switch p.Backend {
	case config.PoolBackendRedis:
		client, err := pool.NewRedisClient(ctx, p.RedisAddr, p.RedisPassword, p.RedisDB)
		if err != nil {
			return nil, err
		}
		rp := pool.NewRedisPool(client, p.RedisPrefix)
		a.closers = append(a.closers, rp.Close)
		return rp, nil
	default:
		sp, err := pool.NewSQLPool(a.store.DB())
		if err != nil {
			return nil, err
		}
		return sp, nil
	}
}

func parseTaskID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}
