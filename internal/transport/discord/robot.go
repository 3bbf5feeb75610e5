// Package discord is the discordgo-backed robot.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"pushbot/internal/chatid"
	"pushbot/internal/transport"
	logx "pushbot/pkg/logx"
)

const Type = "discord"

// Discord rejects longer messages.
const maxMessageLen = 2000

type Config struct {
	ID    string
	Token string
}

// session is the part of discordgo.Session the robot uses.
type session interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

type Robot struct {
	cfg Config
	log logx.Logger

	dg   *discordgo.Session
	send session

	mu        sync.Mutex
	dmCache   map[string]string // user id -> DM channel id
	removeFn  func()
	connected bool
}

func New(cfg Config, log logx.Logger) (*Robot, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("discord robot id is empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("discord robot %s: token is empty", cfg.ID)
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Robot{
		cfg:     cfg,
		log:     log.With(logx.String("robot", cfg.ID)),
		dg:      dg,
		send:    dg,
		dmCache: map[string]string{},
	}, nil
}

func (r *Robot) ID() string   { return r.cfg.ID }
func (r *Robot) Type() string { return Type }

// Send posts content to a text channel or a user's DM channel.
// Groups are guild channels; a nested group is <guild id>:<channel id>.
func (r *Robot) Send(ctx context.Context, to chatid.Identity, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	channelID, err := r.channelFor(to)
	if err != nil {
		return err
	}
	_, err = r.send.ChannelMessageSend(channelID, truncate(content), discordgo.WithContext(ctx))
	return err
}

func (r *Robot) channelFor(to chatid.Identity) (string, error) {
	switch to.Kind {
	case chatid.KindChannel:
		return to.ChannelID, nil
	case chatid.KindGroup:
		return to.GroupID, nil
	case chatid.KindUser:
		r.mu.Lock()
		id, ok := r.dmCache[to.UserID]
		r.mu.Unlock()
		if ok {
			return id, nil
		}
		ch, err := r.send.UserChannelCreate(to.UserID)
		if err != nil {
			return "", fmt.Errorf("discord open DM with %s: %w", to.UserID, err)
		}
		r.mu.Lock()
		r.dmCache[to.UserID] = ch.ID
		r.mu.Unlock()
		return ch.ID, nil
	default:
		return "", fmt.Errorf("discord: unsupported identity kind %q", to.Kind)
	}
}

// identityOf maps an inbound message to the chat it came from.
func identityOf(robotID string, m *discordgo.MessageCreate) chatid.Identity {
	if m.GuildID == "" {
		return chatid.Private(robotID, m.Author.ID)
	}
	return chatid.NestedGroup(robotID, m.GuildID, m.ChannelID)
}

// Start opens the gateway connection and forwards non-bot messages.
func (r *Robot) Start(ctx context.Context, out chan<- transport.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return nil
	}
	remove := r.dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			return
		}
		up := transport.Update{
			RobotID:  r.cfg.ID,
			Chat:     identityOf(r.cfg.ID, m),
			FromID:   m.Author.ID,
			FromName: m.Author.Username,
			Text:     text,
		}
		select {
		case out <- up:
		default:
			r.log.Warn("incoming update dropped (channel full)", logx.Int("chan_cap", cap(out)))
		}
	})
	if err := r.dg.Open(); err != nil {
		remove()
		return fmt.Errorf("discord open connection: %w", err)
	}
	r.removeFn = remove
	r.connected = true
	r.log.Info("gateway connected")
	return nil
}

func (r *Robot) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil
	}
	if r.removeFn != nil {
		r.removeFn()
		r.removeFn = nil
	}
	r.connected = false
	return r.dg.Close()
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLen {
		return s
	}
	return string(r[:maxMessageLen-3]) + "..."
}
