package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"pushbot/internal/config"
	logx "pushbot/pkg/logx"
)

// Sections that are read once at startup.
var restartSections = []string{"storage", "robots"}

// startReload applies hot-reloaded configs to the running components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg != nil && oldCfg.Commands.Prefix != newCfg.Commands.Prefix {
		a.log.Warn("commands.prefix changed; restart required for changes to take effect")
	}
	if oldCfg != nil && oldCfg.Push.FlushDelay != newCfg.Push.FlushDelay {
		a.log.Warn("push.flush_delay changed; restart required for changes to take effect")
	}

	a.applyChatSink(newCfg)
	a.push.Apply(mapPushOptions(newCfg))
	a.admins.Set(newCfg.Commands.Admins)

	if a.cron != nil {
		a.cron.Apply(mapCronConfig(newCfg))
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.debug.Reconfigure(rctx, mapPprofConfig(newCfg)); err != nil {
		a.log.Warn("debug listener reconfigure failed", logx.Err(err))
	}
	cancel()

	if (a.cron != nil) != newCfg.Producers.Cron.Enabled || (a.hooks != nil) != newCfg.Producers.Webhook.Enabled {
		a.log.Warn("producer enablement changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}
