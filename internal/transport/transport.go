// Package transport is the delivery side of the bot: robot instances that
// send rendered content to a chat and, optionally, receive chat commands.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pushbot/internal/chatid"
	"pushbot/internal/errs"
	logx "pushbot/pkg/logx"
)

// Robot is one live bot instance on some chat platform.
type Robot interface {
	ID() string
	// Type names the platform ("telegram", "discord"). Built-in templates are
	// selected by it.
	Type() string
	Send(ctx context.Context, to chatid.Identity, content string) error
}

// Update is an inbound chat message addressed to a robot.
type Update struct {
	RobotID  string
	Chat     chatid.Identity
	FromID   string
	FromName string
	Text     string
}

// Listener is implemented by robots that receive messages.
// Start must not block; updates that do not fit into out are dropped.
type Listener interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand is a command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by robots whose platform shows a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// Registry holds the live robots by id. It resolves robot ids for the chat
// identity codec and routes deliveries.
type Registry struct {
	mu     sync.RWMutex
	robots map[string]Robot
}

func NewRegistry() *Registry {
	return &Registry{robots: map[string]Robot{}}
}

func (r *Registry) Add(robot Robot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.robots[robot.ID()]; dup {
		return fmt.Errorf("duplicate robot id %q", robot.ID())
	}
	r.robots[robot.ID()] = robot
	return nil
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.robots, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Robot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	robot, ok := r.robots[id]
	return robot, ok
}

func (r *Registry) HasRobot(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns the robots sorted by id.
func (r *Registry) List() []Robot {
	r.mu.RLock()
	out := make([]Robot, 0, len(r.robots))
	for _, robot := range r.robots {
		out = append(out, robot)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Send delivers content through the robot named by the identity.
func (r *Registry) Send(ctx context.Context, to chatid.Identity, content string) error {
	robot, ok := r.Get(to.RobotID)
	if !ok {
		return &errs.NotFoundError{What: "robot", Key: to.RobotID}
	}
	return robot.Send(ctx, to, content)
}

// LogSink forwards log lines to one chat.
func (r *Registry) LogSink(target chatid.Identity) logx.Sink {
	return logx.SinkFunc(func(ctx context.Context, text string) error {
		return r.Send(ctx, target, text)
	})
}
