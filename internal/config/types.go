package config

// Config is the whole process configuration. Durations are Go duration
// strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Push      PushConfig      `json:"push"`
	Robots    RobotsConfig    `json:"robots"`
	Producers ProducersConfig `json:"producers"`
	Commands  CommandsConfig  `json:"commands"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards log lines to one chat.
//
// Example:
//
//	"chat": { "enabled": true, "target": "group:tg@-1001234:7", "min_level": "warn" }
type LoggingChat struct {
	Enabled bool `json:"enabled"`
	// Target is an encoded chat identity.
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/pushbot.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// PushConfig tunes fan-out delivery.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 0 (no pacing)
//   - send_timeout: "15s"
//   - flush_delay: "2s"
type PushConfig struct {
	RatePerSec  float64 `json:"rate_per_sec"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	// FlushDelay is the write-behind delay of the subscription and template documents.
	FlushDelay string `json:"flush_delay,omitempty"`
}

type RobotsConfig struct {
	Telegram []RobotConfig `json:"telegram,omitempty"`
	Discord  []RobotConfig `json:"discord,omitempty"`
}

// RobotConfig configures one bot account. ID is the robot id used in chat
// identities and must be unique across all robots.
type RobotConfig struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout (telegram only).
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type ProducersConfig struct {
	Cron    CronConfig    `json:"cron"`
	Webhook WebhookConfig `json:"webhook"`
}

type CronConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`   // default: "127.0.0.1:8085"
	Prefix  string `json:"prefix,omitempty"` // default: "/hook"
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// CommandsConfig controls the chat command layer.
//
// Admins lists "<robotId>:<userId>" or bare user ids allowed to run
// subscription and template commands. Empty allows everyone.
type CommandsConfig struct {
	Prefix  string   `json:"prefix,omitempty"`
	Admins  []string `json:"admins,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
	Workers int      `json:"workers,omitempty"`
}

type DebugConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig enables the debug listener (profiles, /debug/healthz, /debug/stats).
// A non-loopback addr needs a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
