package app

import (
	"strings"
	"time"

	"pushbot/internal/command"
	"pushbot/internal/config"
	"pushbot/internal/observability/pprof"
	"pushbot/internal/producer/cron"
	"pushbot/internal/producer/webhook"
	"pushbot/internal/push"
	"pushbot/internal/storage"
	logx "pushbot/pkg/logx"
)

// The mappers below run on configs that already passed config.Validate, so
// malformed durations fall back to their defaults instead of failing.

const (
	defaultBusyTimeout = time.Second
	defaultSendTimeout = 15 * time.Second
	defaultFlushDelay  = 2 * time.Second
)

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	if driver == "sqlite" || driver == "sqlite3" {
		out.BusyTimeout = config.Dur(sc.BusyTimeout, defaultBusyTimeout)
	}
	return out
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapPushOptions(cfg *config.Config) push.Options {
	return push.Options{
		RatePerSec:  cfg.Push.RatePerSec,
		SendTimeout: config.Dur(cfg.Push.SendTimeout, defaultSendTimeout),
	}
}

func flushDelay(cfg *config.Config) time.Duration {
	return config.Dur(cfg.Push.FlushDelay, defaultFlushDelay)
}

func mapCronConfig(cfg *config.Config) cron.Config {
	c := cfg.Producers.Cron
	return cron.Config{Timezone: strings.TrimSpace(c.Timezone), Timeout: config.Dur(c.Timeout, 0)}
}

func mapWebhookConfig(cfg *config.Config) webhook.Config {
	w := cfg.Producers.Webhook
	return webhook.Config{
		Addr:    strings.TrimSpace(w.Addr),
		Prefix:  w.Prefix,
		BaseURL: strings.TrimSpace(w.BaseURL),
		Timeout: config.Dur(w.Timeout, 0),
	}
}

func mapCommandOptions(cfg *config.Config) command.Options {
	c := cfg.Commands
	return command.Options{
		Prefix:  c.Prefix,
		Timeout: config.Dur(c.Timeout, 0),
		Workers: c.Workers,
	}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	p := cfg.Debug.Pprof
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          strings.TrimSpace(p.Addr),
		Token:         strings.TrimSpace(p.Token),
		AllowInsecure: p.AllowInsecure,
	}
}
