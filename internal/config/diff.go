package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pushbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attributes for logging them. Tokens are never included; only whether one
// changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
			logx.String("logging.chat_min_level", newCfg.Logging.Chat.MinLevel),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Push, newCfg.Push) {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Any("push.rate_per_sec", newCfg.Push.RatePerSec),
			logx.String("push.send_timeout", strings.TrimSpace(newCfg.Push.SendTimeout)),
			logx.String("push.flush_delay", strings.TrimSpace(newCfg.Push.FlushDelay)),
		)
	}

	if ids, tokens := diffRobots(oldCfg.Robots, newCfg.Robots); len(ids) > 0 || tokens {
		changed = append(changed, "robots")
		attrs = append(attrs,
			logx.Strings("robots.changed", ids),
			logx.Bool("robots.token_changed", tokens),
			logx.Int("robots.count", len(newCfg.Robots.Telegram)+len(newCfg.Robots.Discord)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Producers, newCfg.Producers) {
		changed = append(changed, "producers")
		attrs = append(attrs,
			logx.Bool("producers.cron", newCfg.Producers.Cron.Enabled),
			logx.String("producers.cron.timezone", strings.TrimSpace(newCfg.Producers.Cron.Timezone)),
			logx.Bool("producers.webhook", newCfg.Producers.Webhook.Enabled),
			logx.String("producers.webhook.addr", strings.TrimSpace(newCfg.Producers.Webhook.Addr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Commands, newCfg.Commands) {
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.String("commands.prefix", newCfg.Commands.Prefix),
			logx.Int("commands.admin_count", len(newCfg.Commands.Admins)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.pprof", newCfg.Debug.Pprof.Enabled),
			logx.String("debug.pprof.addr", strings.TrimSpace(newCfg.Debug.Pprof.Addr)),
			logx.Bool("debug.pprof.token_set", newCfg.Debug.Pprof.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffRobots lists robot ids that were added, removed or changed outside the token.
func diffRobots(o, n RobotsConfig) (ids []string, tokenChanged bool) {
	index := func(rc RobotsConfig) map[string]RobotConfig {
		m := map[string]RobotConfig{}
		for _, r := range rc.Telegram {
			m["telegram/"+r.ID] = r
		}
		for _, r := range rc.Discord {
			m["discord/"+r.ID] = r
		}
		return m
	}
	om, nm := index(o), index(n)
	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}
	for k := range set {
		a, inOld := om[k]
		b, inNew := nm[k]
		if inOld && inNew && a.Token != b.Token {
			tokenChanged = true
		}
		a.Token, b.Token = "", ""
		if inOld != inNew || a != b {
			ids = append(ids, k)
		}
	}
	sort.Strings(ids)
	return ids, tokenChanged
}
