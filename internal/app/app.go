// Package app wires configuration, logging, storage, the Telegram
// adapter and the relay services into one process with hot config
// reload.
package app

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/relay"
	"relaybot/internal/services/broadcast"
	"relaybot/internal/services/janitor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter *telegram.Adapter
	engine  *relay.Engine
	bcast   *broadcast.Service
	jan     *janitor.Service

	updates chan transport.Update
	cancel  context.CancelFunc
	watchCh chan *config.Config

	// fixed at construction; a reload cannot change them
	bootToken   string
	bootStorage string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcast := broadcast.New(bcfg, adapter, store, log.With(logx.String("comp", "broadcast")))

	settings, err := mapRelaySettings(cfg)
	if err != nil {
		return nil, err
	}
	engine := relay.New(settings, adapter, store, bcast, log.With(logx.String("comp", "relay")))

	jan := janitor.New(janitor.Config{}, store, log.With(logx.String("comp", "janitor")))

	return &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		store:       store,
		adapter:     adapter,
		engine:      engine,
		bcast:       bcast,
		jan:         jan,
		updates:     make(chan transport.Update, 256),
		bootToken:   cfg.Telegram.Token,
		bootStorage: cfg.Storage.Path,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// Reject a bad hot-reload before it is committed or published.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapRelaySettings(cfg); err != nil {
			return err
		}
		_, err := mapBroadcastConfig(cfg)
		return err
	})

	if err := a.adapter.Start(ctx, a.updates); err != nil {
		return fmt.Errorf("start telegram adapter: %w", err)
	}
	a.bcast.Start(ctx)
	a.engine.Start(ctx, a.updates)
	if err := a.jan.Start(ctx); err != nil {
		return err
	}

	a.watchCh = a.cfgm.Subscribe(4)
	go a.reloadLoop(ctx)
	go func() {
		if err := a.cfgm.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.watchCh:
			if !ok {
				return
			}
			a.apply(cfg)
		}
	}
}

// apply pushes a validated reloaded config into the running services.
// The adapter token and storage path are fixed for the process
// lifetime; everything else takes effect immediately.
func (a *App) apply(cfg *config.Config) {
	if cfg.Telegram.Token != a.bootToken || cfg.Storage.Path != a.bootStorage {
		a.log.Warn("telegram.token and storage.path changes require a restart")
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if settings, err := mapRelaySettings(cfg); err == nil {
		a.engine.Apply(settings)
	}
	if bcfg, err := mapBroadcastConfig(cfg); err == nil {
		a.bcast.Apply(bcfg)
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	a.engine.Stop()
	a.bcast.Stop(ctx)
	a.jan.Stop(ctx)
	if a.watchCh != nil {
		a.cfgm.Unsubscribe(a.watchCh)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
}

func mapRelaySettings(cfg *config.Config) (relay.Settings, error) {
	interval, err := config.ParseDurationField("relay.message_interval", cfg.Relay.MessageInterval)
	if err != nil {
		return relay.Settings{}, err
	}
	delay, err := config.ParseDurationOrDefault("relay.media_group_delay", cfg.Relay.MediaGroupDelay, 3*time.Second)
	if err != nil {
		return relay.Settings{}, err
	}
	return relay.Settings{
		AdminGroupID:              cfg.Relay.AdminGroupID,
		AdminUserIDs:              cfg.Relay.AdminUserIDs,
		AppName:                   cfg.Relay.AppName,
		WelcomeMessage:            cfg.Relay.WelcomeMessage,
		MessageInterval:           interval,
		MediaGroupDelay:           delay,
		CaptchaEnabled:            cfg.Relay.CaptchaEnabled,
		BanForeverOnDelete:        cfg.Relay.BanForeverOnDelete,
		DeleteUserMessagesOnPurge: cfg.Relay.DeleteUserMessagesOnPurge,
		SyncEditsWhenClosed:       cfg.Relay.SyncEditsWhenClosed,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	delay, err := config.ParseDurationOrDefault("broadcast.start_delay", cfg.Broadcast.StartDelay, 2*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		RatePerSec: cfg.Broadcast.RatePerSec,
		StartDelay: delay,
	}, nil
}
