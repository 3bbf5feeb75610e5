// Package telegram is the telebot-backed robot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"pushbot/internal/chatid"
	"pushbot/internal/transport"
	logx "pushbot/pkg/logx"
)

const Type = "telegram"

// Telegram rejects longer messages.
const maxMessageLen = 4096

type Config struct {
	ID          string
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call; tests only.
	Offline bool
}

type Robot struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	// updates dropped because the consumer was slower than the poll loop
	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Robot, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("telegram robot id is empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram robot %s: token is empty", cfg.ID)
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Robot{cfg: cfg, log: log.With(logx.String("robot", cfg.ID)), bot: b}, nil
}

func (r *Robot) ID() string   { return r.cfg.ID }
func (r *Robot) Type() string { return Type }

// Send delivers content to a user, group, forum topic or channel.
func (r *Robot) Send(ctx context.Context, to chatid.Identity, content string) error {
	chatID, threadID, err := destination(to)
	if err != nil {
		return err
	}
	opt := &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = r.bot.Send(&tele.Chat{ID: chatID}, truncate(content, maxMessageLen), opt)
	return err
}

// destination maps an identity to a Telegram chat id and forum thread id.
// Nested groups are encoded as <chat id>:<thread id>.
func destination(to chatid.Identity) (chatID int64, threadID int, err error) {
	var raw string
	switch to.Kind {
	case chatid.KindUser:
		raw = to.UserID
	case chatid.KindChannel:
		raw = to.ChannelID
	case chatid.KindGroup:
		raw = to.GroupID
		if to.HasRoot {
			raw = to.RootGroupID
			threadID, err = strconv.Atoi(to.GroupID)
			if err != nil {
				return 0, 0, fmt.Errorf("telegram thread id %q: %w", to.GroupID, err)
			}
		}
	default:
		return 0, 0, fmt.Errorf("telegram: unsupported identity kind %q", to.Kind)
	}
	chatID, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram chat id %q: %w", raw, err)
	}
	return chatID, threadID, nil
}

// identityOf maps the chat a message arrived in back to an identity.
func identityOf(robotID string, m *tele.Message) chatid.Identity {
	chat := strconv.FormatInt(m.Chat.ID, 10)
	switch m.Chat.Type {
	case tele.ChatPrivate:
		return chatid.Private(robotID, chat)
	case tele.ChatChannel, tele.ChatChannelPrivate:
		return chatid.Channel(robotID, chat)
	default:
		if m.ThreadID != 0 && m.TopicMessage {
			return chatid.NestedGroup(robotID, chat, strconv.Itoa(m.ThreadID))
		}
		return chatid.Group(robotID, chat)
	}
}

func (r *Robot) Start(ctx context.Context, out chan<- transport.Update) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = true
	rctx, cancel := context.WithCancel(ctx)
	r.runCancel = cancel
	r.runWG.Add(2)
	r.runMu.Unlock()

	// periodic summary of dropped updates instead of per-update logs
	go func() {
		defer r.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				r.reportDropped(cap(out))
				return
			case <-ticker.C:
				r.reportDropped(cap(out))
			}
		}
	}()

	handle := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		up := transport.Update{
			RobotID: r.cfg.ID,
			Chat:    identityOf(r.cfg.ID, m),
			Text:    m.Text,
		}
		if m.Sender != nil {
			up.FromID = strconv.FormatInt(m.Sender.ID, 10)
			up.FromName = m.Sender.Username
		}
		select {
		case out <- up:
		default:
			r.dropped.Add(1)
		}
		return nil
	}
	r.bot.Handle(tele.OnText, handle)
	r.bot.Handle(tele.OnChannelPost, handle)

	go func() {
		defer r.runWG.Done()
		go func() {
			<-rctx.Done()
			r.bot.Stop()
		}()
		r.log.Info("polling started")
		r.bot.Start() // blocks until Stop
	}()
	return nil
}

func (r *Robot) reportDropped(capacity int) {
	if n := r.dropped.Swap(0); n > 0 {
		r.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown for long on the getUpdates long poll.
func (r *Robot) Stop(ctx context.Context) error {
	r.runMu.Lock()
	cancel := r.runCancel
	r.runCancel = nil
	wasRunning := r.running
	r.running = false
	r.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		r.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		r.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// UpdateMenuCommands sets the bot command menu. It only calls Telegram when
// the list changed since the last successful call.
func (r *Robot) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	r.menuMu.Lock()
	defer r.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		list = append(list, tele.Command{Text: c.Command, Description: truncate(d, 256)})
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		if len(list) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == r.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	r.menuHash = sum
	r.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
