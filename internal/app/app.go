// Package app wires configuration, storage, the chat adapter, and the
// services into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/FoxLisk/RetroSpeedBot/internal/config"
	"github.com/FoxLisk/RetroSpeedBot/internal/race"
	"github.com/FoxLisk/RetroSpeedBot/internal/services/commands"
	"github.com/FoxLisk/RetroSpeedBot/internal/services/lifecycle"
	"github.com/FoxLisk/RetroSpeedBot/internal/storage"
	"github.com/FoxLisk/RetroSpeedBot/internal/transport"
	"github.com/FoxLisk/RetroSpeedBot/internal/transport/discord"
	logx "github.com/FoxLisk/RetroSpeedBot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter *discord.Adapter
	engine  *lifecycle.Service
	cmds    *commands.Service

	messages chan transport.Message
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "discord"))
	adapter, err := discord.New(discord.Config{
		Token:      cfg.Discord.Token,
		GuildID:    cfg.Discord.GuildID,
		RatePerSec: cfg.Discord.RatePerSec,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies its config immediately. The Discord sink target
	// can't deliver before the adapter connects, so bootstrap with it
	// disabled, install the sender, then Apply the real config.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Discord.Enabled = false
	logSvc, log := logx.New(baseLogCfg)
	log = log.With(logx.String("comp", "app"))

	if ch := strings.TrimSpace(cfg.Logging.Discord.Channel); ch != "" {
		logSvc.SetDiscordSink(&logChannelSender{adapter: adapter, channel: ch})
	}
	logSvc.Apply(mapLoggingConfig(cfg))

	tp, err := race.NewTimeParser(cfg.Lifecycle.Timezone, log.With(logx.String("comp", "timeparse")))
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	lcfg, err := mapLifecycleConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine, err := lifecycle.New(lcfg, store, adapter, adapter, tp,
		log.With(logx.String("comp", "lifecycle")))
	if err != nil {
		return nil, err
	}

	cmds := commands.New(commands.Config{Prefix: cfg.Discord.CommandPrefix},
		store, adapter, engine, tp, log.With(logx.String("comp", "commands")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  adapter,
		engine:   engine,
		cmds:     cmds,
		messages: make(chan transport.Message, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.messages); err != nil {
		return err
	}
	a.engine.Start(a.sup.Context())

	// sd-notify once the engine's startup barrier resolves; until then
	// the unit stays "activating" so a misconfigured guild is visible.
	a.sup.Go0("sdnotify.ready", func(c context.Context) {
		select {
		case <-c.Done():
		case <-a.engine.Ready():
			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				a.log.Warn("sd_notify failed", logx.Err(err))
			}
			a.log.Info("bot ready")
		}
	})

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		a.cmds.Run(c, a.messages)
		return nil
	})

	// Hot reload: only logging applies live. Everything else is wired at
	// construction time and needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(mapLoggingConfig(newCfg))
				a.log.Info("config reloaded; logging applied (other sections need a restart)")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Engine first so shutdown lands between ticks, then everything else.
	a.engine.Stop(ctx)
	a.sup.Cancel()
	_ = a.adapter.Stop(ctx)
	if err := a.sup.Wait(ctx); err != nil {
		a.log.Warn("shutdown wait expired", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store failed", logx.Err(err))
	}
	a.log.Info("app stopped")
	return a.logs.Close()
}

// logChannelSender adapts the Discord adapter to the logx sink. The log
// channel is resolved by name once, lazily, because the adapter isn't
// connected when logging is configured.
type logChannelSender struct {
	adapter *discord.Adapter
	channel string

	mu       sync.Mutex
	resolved transport.ChannelID
}

func (s *logChannelSender) SendLog(ctx context.Context, text string) error {
	s.mu.Lock()
	ch := s.resolved
	s.mu.Unlock()
	if ch == "" {
		id, err := s.adapter.ChannelByName(ctx, s.channel)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.resolved = id
		s.mu.Unlock()
		ch = id
	}
	_, err := s.adapter.SendMessage(ctx, ch, text)
	return err
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Discord: logx.DiscordConfig{
			Enabled:    cfg.Logging.Discord.Enabled,
			MinLevel:   cfg.Logging.Discord.MinLevel,
			RatePerSec: cfg.Logging.Discord.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapLifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	poll, err := config.ParseDurationOrDefault("lifecycle.poll_interval", cfg.Lifecycle.PollInterval, 0)
	if err != nil {
		return lifecycle.Config{}, err
	}
	lookAhead, err := config.ParseDurationOrDefault("lifecycle.look_ahead", cfg.Lifecycle.LookAhead, 0)
	if err != nil {
		return lifecycle.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("lifecycle.grace_period", cfg.Lifecycle.GracePeriod, 0)
	if err != nil {
		return lifecycle.Config{}, err
	}
	retry, err := config.ParseDurationOrDefault("lifecycle.retry_interval", cfg.Lifecycle.RetryInterval, 0)
	if err != nil {
		return lifecycle.Config{}, err
	}
	return lifecycle.Config{
		PollInterval:  poll,
		LookAhead:     lookAhead,
		NagThresholds: cfg.Lifecycle.NagThresholds,
		GracePeriod:   grace,
		NagCacheSize:  cfg.Lifecycle.NagCacheSize,
		RetryInterval: retry,

		SchedulingChannel: cfg.Discord.SchedulingChannel,
		ActiveChannel:     cfg.Discord.ActiveChannel,
		UnconfirmedRole:   cfg.Discord.Roles.Unconfirmed,
		ConfirmedRole:     cfg.Discord.Roles.Confirmed,
		InterestedEmoji:   cfg.Discord.Emoji.ForKind(race.ReactionInterested),
		ConfirmEmoji:      cfg.Discord.Emoji.ForKind(race.ReactionConfirming),
	}, nil
}

func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return fmt.Errorf("discord.token is required")
	}
	if strings.TrimSpace(cfg.Discord.GuildID) == "" {
		return fmt.Errorf("discord.guild_id is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	for _, field := range []struct{ path, raw string }{
		{"lifecycle.poll_interval", cfg.Lifecycle.PollInterval},
		{"lifecycle.look_ahead", cfg.Lifecycle.LookAhead},
		{"lifecycle.grace_period", cfg.Lifecycle.GracePeriod},
		{"lifecycle.retry_interval", cfg.Lifecycle.RetryInterval},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := config.ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	for _, t := range cfg.Lifecycle.NagThresholds {
		if t <= 0 {
			return fmt.Errorf("lifecycle.nag_thresholds: %d is not a positive minute count", t)
		}
	}
	if cfg.Lifecycle.NagCacheSize < 0 {
		return fmt.Errorf("lifecycle.nag_cache_size must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Lifecycle.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("lifecycle.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
