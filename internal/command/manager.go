// Package command turns chat messages into subscription and template
// operations and replies with the outcome.
package command

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"pushbot/internal/channel"
	"pushbot/internal/chatid"
	"pushbot/internal/errs"
	"pushbot/internal/runtime/supervisor"
	"pushbot/internal/subscription"
	"pushbot/internal/transport"
	logx "pushbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
)

// HandlerFunc returns the reply text for the chat. An error is translated
// into a user message by the manager.
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Command struct {
	Name        string
	Usage       string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update transport.Update
	Chat   chatid.Identity
	Args   []string
	// Raw is the text after the command word, whitespace preserved.
	Raw string
	Log logx.Logger
}

// Subscriptions is the write side of the subscription store.
type Subscriptions interface {
	Subscribe(ctx context.Context, channelType, channelID string, identity chatid.Identity) error
	Unsubscribe(ctx context.Context, channelType, channelID string, identity chatid.Identity) error
	SubscriptionsOf(identity chatid.Identity) []subscription.Ref
}

type Templates interface {
	Set(identity chatid.Identity, channelType, channelID, text string)
	Get(identity chatid.Identity, channelType, channelID string) (string, bool)
	Remove(identity chatid.Identity, channelType, channelID string) bool
	List(identity chatid.Identity) map[string]string
}

// Compiler reports template syntax errors before a template is stored.
type Compiler interface {
	Compile(text string) error
}

// Replier sends command replies.
type Replier interface {
	Send(ctx context.Context, to chatid.Identity, content string) error
}

type Deps struct {
	Channels  *channel.Registry
	Subs      Subscriptions
	Templates Templates
	Compiler  Compiler
	Replier   Replier
	Auth      Authorizer
}

type Options struct {
	Prefix  string
	Timeout time.Duration
	Workers int
}

type Manager struct {
	deps Deps
	opts Options
	log  logx.Logger

	mu   sync.RWMutex
	cmds map[string]Command

	jobs chan func()
}

func NewManager(deps Deps, opts Options, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(opts.Prefix) == "" {
		opts.Prefix = "/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = max(2, runtime.NumCPU())
	}
	if deps.Auth == nil {
		deps.Auth = NewAdminList(nil)
	}
	m := &Manager{
		deps: deps,
		opts: opts,
		log:  log.With(logx.String("comp", "command")),
		cmds: map[string]Command{},
		jobs: make(chan func(), 256),
	}
	for _, c := range m.builtins() {
		m.Register(c)
	}
	return m
}

func (m *Manager) Register(c Command) {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	if name == "" || c.Handle == nil {
		return
	}
	c.Name = name
	m.mu.Lock()
	m.cmds[name] = c
	m.mu.Unlock()
}

// Commands returns the registered commands sorted by name.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	out := make([]Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Menu is the command list robots show in their command menu.
func (m *Manager) Menu() []transport.BotCommand {
	cmds := m.Commands()
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// parse splits "/cmd@bot args" into the command word, fields and the raw remainder.
func (m *Manager) parse(text string) (word string, args []string, raw string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, m.opts.Prefix) {
		return "", nil, "", false
	}
	text = strings.TrimPrefix(text, m.opts.Prefix)
	head, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], text[i:]
	}
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	if head == "" {
		return "", nil, "", false
	}
	raw = strings.TrimSpace(rest)
	return strings.ToLower(head), strings.Fields(raw), raw, true
}

// Handle runs the command in up synchronously and returns the reply.
// handled is false for messages that are not commands.
func (m *Manager) Handle(ctx context.Context, up transport.Update) (reply string, handled bool) {
	word, args, raw, ok := m.parse(up.Text)
	if !ok {
		return "", false
	}
	m.mu.RLock()
	cmd, found := m.cmds[word]
	m.mu.RUnlock()
	if !found {
		return "Unknown command. Try " + m.opts.Prefix + "help", true
	}
	if cmd.Access == AccessAdmin && !m.deps.Auth.Allowed(up) {
		return "You are not allowed to use this command.", true
	}

	req := &Request{
		Update: up,
		Chat:   up.Chat,
		Args:   args,
		Raw:    raw,
		Log: m.log.With(
			logx.String("rid", uuid.NewString()),
			logx.String("cmd", cmd.Name),
			logx.String("chat", up.Chat.String()),
			logx.String("from", up.FromID),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.opts.Timeout
	}
	final := Chain(cmd.Handle, MWPanicRecover(), MWRequestLog(), MWTimeout(timeout))
	reply, err := final(ctx, req)
	if err != nil {
		return userMessage(err), true
	}
	return reply, true
}

// userMessage turns engine errors into chat text.
func userMessage(err error) string {
	var pe *errs.ParseError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		var nf *errs.NotFoundError
		if errors.As(err, &nf) {
			return nf.Error()
		}
		return "Not found"
	case errors.As(err, &pe):
		return "Invalid input: " + pe.Reason
	case errors.Is(err, errUsage):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out, try again later."
	default:
		return "Internal error"
	}
}

// DispatchLoop consumes updates until ctx ends, running commands on a
// bounded worker pool and sending replies through the Replier.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log))
	for i := 0; i < m.opts.Workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.opts.Workers), logx.Int("job_queue_cap", cap(m.jobs)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if _, _, _, isCmd := m.parse(up.Text); !isCmd {
				continue
			}
			job := func() {
				reply, _ := m.Handle(ctx, up)
				if reply == "" || m.deps.Replier == nil {
					return
				}
				if err := m.deps.Replier.Send(ctx, up.Chat, reply); err != nil {
					m.log.Warn("reply failed", logx.String("chat", up.Chat.String()), logx.Err(err))
				}
			}
			select {
			case m.jobs <- job:
			default:
				if m.deps.Replier != nil {
					_ = m.deps.Replier.Send(ctx, up.Chat, "Busy, try again.")
				}
			}
		}
	}
}
