package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpdateMode tells how a producer learns about new data for a channel.
type UpdateMode string

const (
	UpdatePoll UpdateMode = "poll"
	UpdatePush UpdateMode = "push"
)

// Info describes one channel instance. It is recomputed on demand and never persisted.
type Info struct {
	ID           string
	Title        string
	Description  string
	UpdateMode   UpdateMode
	PollInterval time.Duration
}

// TemplateDefinition is a built-in template. An empty RobotType marks the generic fallback.
type TemplateDefinition struct {
	Template  string
	RobotType string
}

// Producer is implemented by whatever owns a channel type (a stream watcher, a
// webhook relay, a scheduler). ChannelInfo returns (nil, nil) for unknown channels.
type Producer interface {
	ChannelInfo(ctx context.Context, channelID string) (*Info, error)
}

// Initializer creates the producer-side resource for a channel.
//
// InitChannel must be idempotent: it is called again on an already initialized
// channel to refresh its info, and reconciliation may repeat it after a crash.
type Initializer interface {
	InitChannel(ctx context.Context, channelID string) (*Info, error)
}

// Cleaner releases the producer-side resource once the last subscriber leaves.
type Cleaner interface {
	CleanupChannel(ctx context.Context, channelID string) error
}

// Descriptor is registered once by a producer and never mutated by the engine.
type Descriptor struct {
	ID          string
	Title       string
	Description string
	Help        string
	Templates   []TemplateDefinition
	Producer    Producer
}

func (d Descriptor) Validate() error {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return errors.New("channel type id is required")
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("channel type id %q must not contain '/'", id)
	}
	if d.Producer == nil {
		return fmt.Errorf("channel type %q: producer is nil", id)
	}
	generic := 0
	seen := map[string]bool{}
	for _, t := range d.Templates {
		if t.RobotType == "" {
			generic++
			continue
		}
		if seen[t.RobotType] {
			return fmt.Errorf("channel type %q: duplicate template for robot type %q", id, t.RobotType)
		}
		seen[t.RobotType] = true
	}
	if generic > 1 {
		return fmt.Errorf("channel type %q: at most one template may omit robot type", id)
	}
	return nil
}

// Template selects the built-in template for a robot type.
// The second result is true when the match was robot-type specific.
func (d Descriptor) Template(robotType string) (tpl string, specific bool, ok bool) {
	if robotType != "" {
		for _, t := range d.Templates {
			if t.RobotType == robotType {
				return t.Template, true, true
			}
		}
	}
	for _, t := range d.Templates {
		if t.RobotType == "" {
			return t.Template, false, true
		}
	}
	return "", false, false
}

func (d Descriptor) initChannel(ctx context.Context, channelID string) (*Info, error) {
	if in, ok := d.Producer.(Initializer); ok {
		return in.InitChannel(ctx, channelID)
	}
	return nil, nil
}

func (d Descriptor) cleanupChannel(ctx context.Context, channelID string) error {
	if c, ok := d.Producer.(Cleaner); ok {
		return c.CleanupChannel(ctx, channelID)
	}
	return nil
}

// Wildcard is the channel id used for chat-level defaults of a channel type.
const Wildcard = "*"

// Path joins a channel type and id as "type/id".
func Path(channelType, channelID string) string {
	return channelType + "/" + channelID
}

// SplitPath splits "type/id" at the first slash. Channel ids may contain slashes.
func SplitPath(path string) (channelType, channelID string, ok bool) {
	channelType, channelID, ok = strings.Cut(path, "/")
	if !ok || channelType == "" || channelID == "" {
		return "", "", false
	}
	return channelType, channelID, true
}
