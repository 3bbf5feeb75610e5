package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"pushbot/internal/chatid"
)

// Validate checks a parsed config before it is committed. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if cfg.Push.RatePerSec < 0 {
		add(errors.New("push.rate_per_sec must be >= 0"))
	}
	dur("push.send_timeout", cfg.Push.SendTimeout)
	dur("push.flush_delay", cfg.Push.FlushDelay)

	seen := map[string]string{}
	robot := func(kind string, i int, r RobotConfig) {
		path := fmt.Sprintf("robots.%s[%d]", kind, i)
		id := strings.TrimSpace(r.ID)
		switch {
		case id == "":
			add(fmt.Errorf("%s.id is required", path))
		case strings.ContainsAny(id, "@:"):
			add(fmt.Errorf("%s.id %q must not contain '@' or ':'", path, id))
		case seen[id] != "":
			add(fmt.Errorf("%s.id %q already used by %s", path, id, seen[id]))
		default:
			seen[id] = path
		}
		if strings.TrimSpace(r.Token) == "" {
			add(fmt.Errorf("%s.token is required", path))
		}
		dur(path+".poll_timeout", r.PollTimeout)
	}
	for i, r := range cfg.Robots.Telegram {
		robot("telegram", i, r)
	}
	for i, r := range cfg.Robots.Discord {
		robot("discord", i, r)
	}

	if c := cfg.Logging.Chat; c.Enabled {
		id, err := chatid.Parse(strings.TrimSpace(c.Target))
		switch {
		case err != nil:
			add(fmt.Errorf("logging.chat.target: %w", err))
		case seen[id.RobotID] == "":
			add(fmt.Errorf("logging.chat.target: robot %q is not configured", id.RobotID))
		}
	}

	dur("producers.cron.timeout", cfg.Producers.Cron.Timeout)
	dur("producers.webhook.timeout", cfg.Producers.Webhook.Timeout)
	if p := strings.TrimSpace(cfg.Producers.Webhook.Prefix); p != "" && strings.ContainsAny(p, " :?#") {
		add(fmt.Errorf("producers.webhook.prefix %q is not a valid path", p))
	}

	if strings.ContainsAny(cfg.Commands.Prefix, " \t\n") {
		add(errors.New("commands.prefix must not contain whitespace"))
	}
	if cfg.Commands.Workers < 0 {
		add(errors.New("commands.workers must be >= 0"))
	}
	dur("commands.timeout", cfg.Commands.Timeout)

	if p := cfg.Debug.Pprof; p.Enabled && strings.TrimSpace(p.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(p.Addr)); err != nil {
			add(fmt.Errorf("debug.pprof.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
