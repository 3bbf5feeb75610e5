// Package cron is a channel producer whose channels are schedules. Every
// tick pushes {time, spec} to the channel's subscribers.
package cron

import (
	"context"
	"strings"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"pushbot/internal/channel"
	"pushbot/internal/errs"
	"pushbot/internal/push"
	logx "pushbot/pkg/logx"
)

const Type = "cron"

type Config struct {
	// Timezone is an IANA name; empty means local time.
	Timezone string
	// Timeout bounds one push; 0 means one minute.
	Timeout time.Duration
}

// Pusher is the push engine as seen by producers.
type Pusher interface {
	Push(ctx context.Context, path string, payload any, tag string) (push.Result, error)
}

type entry struct {
	sched Schedule
	id    robfig.EntryID
}

type Producer struct {
	log    logx.Logger
	pusher Pusher
	parser robfig.Parser

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *robfig.Cron
	entries map[string]entry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, pusher Pusher, log logx.Logger) *Producer {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Producer{
		log:     log.With(logx.String("comp", "producer.cron")),
		pusher:  pusher,
		parser:  robfig.NewParser(robfig.SecondOptional | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor),
		cfg:     cfg,
		entries: map[string]entry{},
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.loc = p.location(cfg.Timezone)
	p.c = p.newCron()
	return p
}

func (p *Producer) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		ID:          Type,
		Title:       "Schedules",
		Description: "Periodic reminders driven by a cron schedule.",
		Help:        "id: cron fields joined by '_' (0_9_*_*_1-5), @hourly, 55m or HH:MM",
		Templates: []channel.TemplateDefinition{
			{RobotType: "telegram", Template: "⏰ {{.schedule}}\n{{.time}}"},
			{Template: "Reminder ({{.schedule}}) at {{.time}}"},
		},
		Producer: p,
	}
}

func (p *Producer) info(s Schedule) *channel.Info {
	return &channel.Info{
		ID:          s.ID,
		Title:       "Schedule " + s.Human(),
		Description: "Fires on " + s.Expr,
		UpdateMode:  channel.UpdatePush,
	}
}

func (p *Producer) ChannelInfo(_ context.Context, id string) (*channel.Info, error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return p.info(e.sched), nil
}

// InitChannel registers the schedule. Calling it again for a known id only
// returns its info.
func (p *Producer) InitChannel(_ context.Context, id string) (*channel.Info, error) {
	s, err := ParseSchedule(id)
	if err != nil {
		return nil, &errs.ParseError{Input: id, Reason: err.Error()}
	}
	if _, err := p.parser.Parse(s.Expr); err != nil {
		return nil, &errs.ParseError{Input: id, Reason: err.Error()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return p.info(e.sched), nil
	}
	eid, err := p.addLocked(s)
	if err != nil {
		return nil, &errs.ParseError{Input: id, Reason: err.Error()}
	}
	p.entries[id] = entry{sched: s, id: eid}
	p.log.Info("schedule added", logx.String("id", id), logx.String("expr", s.Expr))
	return p.info(s), nil
}

func (p *Producer) CleanupChannel(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil
	}
	p.c.Remove(e.id)
	delete(p.entries, id)
	p.log.Info("schedule removed", logx.String("id", id))
	return nil
}

// Len is the number of registered schedules.
func (p *Producer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Producer) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	if p.ctx.Err() != nil {
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}
	p.c.Start()
	p.log.Info("cron producer started", logx.String("tz", p.loc.String()), logx.Int("schedules", len(p.entries)))
	return nil
}

func (p *Producer) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	done := p.c.Stop().Done()
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		p.log.Info("cron producer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps timezone and timeout. A timezone change rebuilds the cron and
// re-registers every schedule.
func (p *Producer) Apply(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	oldTZ := strings.TrimSpace(p.cfg.Timezone)
	p.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	if p.running {
		// running jobs finish on the old cron; they need p.mu, so no wait here
		p.c.Stop()
	}
	p.loc = p.location(cfg.Timezone)
	p.c = p.newCron()
	for id, e := range p.entries {
		eid, err := p.addLocked(e.sched)
		if err != nil {
			p.log.Warn("schedule re-register failed", logx.String("id", id), logx.Err(err))
			delete(p.entries, id)
			continue
		}
		p.entries[id] = entry{sched: e.sched, id: eid}
	}
	if p.running {
		p.c.Start()
	}
	p.log.Info("cron producer restarted", logx.String("tz", p.loc.String()))
}

func (p *Producer) newCron() *robfig.Cron {
	return robfig.New(
		robfig.WithParser(p.parser),
		robfig.WithLocation(p.loc),
		robfig.WithChain(robfig.Recover(cronLogger{p.log}), robfig.SkipIfStillRunning(cronLogger{p.log})),
	)
}

func (p *Producer) addLocked(s Schedule) (robfig.EntryID, error) {
	return p.c.AddFunc(s.Expr, func() { p.fire(s) })
}

func (p *Producer) fire(s Schedule) {
	p.mu.Lock()
	timeout, loc, base := p.cfg.Timeout, p.loc, p.ctx
	p.mu.Unlock()
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	payload := map[string]any{
		"time":     time.Now().In(loc).Format(time.RFC3339),
		"spec":     s.ID,
		"schedule": s.Human(),
	}
	res, err := p.pusher.Push(ctx, channel.Path(Type, s.ID), payload, "")
	if err != nil {
		p.log.Warn("tick push failed", logx.String("id", s.ID), logx.Err(err))
		return
	}
	if !res.IsSuccess {
		p.log.Debug("tick push partial", logx.String("id", s.ID), logx.Int("ok", res.SuccessCount), logx.Int("failed", len(res.Errors)))
	}
}

func (p *Producer) location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		p.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
