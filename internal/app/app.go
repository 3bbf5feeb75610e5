package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pushbot/internal/audit"
	"pushbot/internal/channel"
	"pushbot/internal/chatid"
	"pushbot/internal/command"
	"pushbot/internal/config"
	"pushbot/internal/eventbus"
	"pushbot/internal/observability/pprof"
	"pushbot/internal/producer/cron"
	"pushbot/internal/producer/webhook"
	"pushbot/internal/push"
	"pushbot/internal/runtime/supervisor"
	"pushbot/internal/storage"
	"pushbot/internal/subscription"
	"pushbot/internal/tmpl"
	"pushbot/internal/transport"
	"pushbot/internal/transport/discord"
	"pushbot/internal/transport/telegram"
	logx "pushbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	ownsStore bool

	channels  *channel.Registry
	robots    *transport.Registry
	renderer  *tmpl.TextRenderer
	templates *tmpl.Store
	subs      *subscription.Store
	push      *push.Engine
	audit     *audit.Consumer

	// nil when the producer is disabled
	cron  *cron.Producer
	hooks *webhook.Producer

	admins *command.AdminList
	cmdm   *command.Manager
	debug  *pprof.Service

	loaded  bool
	updates chan transport.Update
}

type options struct {
	robots   []transport.Robot
	noRobots bool
	store    storage.Store
}

type Option func(*options)

// WithRobots adds robots next to the configured ones.
func WithRobots(robots ...transport.Robot) Option {
	return func(o *options) { o.robots = append(o.robots, robots...) }
}

// WithoutRobots skips the configured robots. Offline tools use it.
func WithoutRobots() Option { return func(o *options) { o.noRobots = true } }

// WithStore replaces the configured storage. The caller keeps ownership.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink is installed once robots exist.
	logCfg := mapLoggingConfig(cfg)
	logCfg.Chat.Enabled = false
	logSvc, log := logx.New(logCfg)
	cfgm.SetLogger(log)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		channels: channel.NewRegistry(log),
		robots:   transport.NewRegistry(),
		renderer: tmpl.NewTextRenderer(0),
		admins:   command.NewAdminList(cfg.Commands.Admins),
		updates:  make(chan transport.Update, 256),
	}

	if o.store != nil {
		a.store = o.store
	} else {
		st, err := storage.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store, a.ownsStore = st, true
	}
	a.audit = audit.New(a.bus, a.store, log)

	a.templates = tmpl.NewStore(a.store, flushDelay(cfg), log)
	a.subs = subscription.New(a.store, a.channels, a.bus, flushDelay(cfg), log)
	a.push = push.New(a.channels, a.subs, a.templates, a.robots, a.renderer, a.bus, mapPushOptions(cfg), log)

	if cfg.Producers.Cron.Enabled {
		a.cron = cron.New(mapCronConfig(cfg), a.push, log)
		a.channels.MustRegister(a.cron.Descriptor())
	}
	if cfg.Producers.Webhook.Enabled {
		a.hooks = webhook.New(mapWebhookConfig(cfg), a.push, log)
		a.channels.MustRegister(a.hooks.Descriptor())
	}

	robots := o.robots
	if !o.noRobots {
		configured, err := buildRobots(cfg.Robots, log)
		if err != nil {
			a.closeStore()
			_ = logSvc.Close()
			return nil, err
		}
		robots = append(robots, configured...)
	}
	for _, r := range robots {
		if err := a.robots.Add(r); err != nil {
			a.closeStore()
			_ = logSvc.Close()
			return nil, err
		}
	}
	a.applyChatSink(cfg)

	a.cmdm = command.NewManager(command.Deps{
		Channels:  a.channels,
		Subs:      a.subs,
		Templates: a.templates,
		Compiler:  a.renderer,
		Replier:   a.robots,
		Auth:      a.admins,
	}, mapCommandOptions(cfg), log)
	if a.hooks != nil {
		a.cmdm.Register(a.newHookCommand())
	}

	a.debug = pprof.New(mapPprofConfig(cfg), a.stats, log)

	a.log.Info("app wired",
		logx.Int("robots", len(robots)),
		logx.Int("channel_types", len(a.channels.List())),
		logx.String("storage", mapStorageConfig(cfg).Driver),
	)
	return a, nil
}

func buildRobots(rc config.RobotsConfig, log logx.Logger) ([]transport.Robot, error) {
	out := make([]transport.Robot, 0, len(rc.Telegram)+len(rc.Discord))
	for _, c := range rc.Telegram {
		r, err := telegram.New(telegram.Config{
			ID:          c.ID,
			Token:       c.Token,
			PollTimeout: config.Dur(c.PollTimeout, 10*time.Second),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram robot %s: %w", c.ID, err)
		}
		out = append(out, r)
	}
	for _, c := range rc.Discord {
		r, err := discord.New(discord.Config{ID: c.ID, Token: c.Token}, log.With(logx.String("comp", "discord")))
		if err != nil {
			return nil, fmt.Errorf("discord robot %s: %w", c.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// applyChatSink points chat logging at the configured target, then applies
// the logging config.
func (a *App) applyChatSink(cfg *config.Config) {
	logCfg := mapLoggingConfig(cfg)
	if logCfg.Chat.Enabled {
		target, err := chatid.Parse(strings.TrimSpace(cfg.Logging.Chat.Target))
		if err == nil && a.robots.HasRobot(target.RobotID) {
			a.logs.SetSink(a.robots.LogSink(target))
		} else {
			a.logs.SetSink(nil)
			logCfg.Chat.Enabled = false
			a.log.Warn("chat logging disabled: target robot unavailable", logx.String("target", cfg.Logging.Chat.Target))
		}
	} else {
		a.logs.SetSink(nil)
	}
	a.logs.Apply(logCfg)
}

// Stats is the document served at /debug/stats.
type Stats struct {
	Robots        []string `json:"robots"`
	ChannelTypes  []string `json:"channel_types"`
	Channels      int      `json:"channels"`
	TemplateChats int      `json:"template_chats"`
	CronEntries   int      `json:"cron_entries,omitempty"`
	Webhooks      int      `json:"webhooks,omitempty"`
	Goroutines    int64    `json:"supervised_goroutines"`
}

func (a *App) stats() any {
	st := Stats{
		Channels:      len(a.subs.Channels()),
		TemplateChats: a.templates.Targets(),
	}
	for _, r := range a.robots.List() {
		st.Robots = append(st.Robots, r.Type()+"/"+r.ID())
	}
	for _, d := range a.channels.List() {
		st.ChannelTypes = append(st.ChannelTypes, d.ID)
	}
	if a.cron != nil {
		st.CronEntries = a.cron.Len()
	}
	if a.hooks != nil {
		st.Webhooks = len(a.hooks.Tokens())
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Active()
	}
	return st
}

// Subscriptions exposes the subscription store; tools read it after Load.
func (a *App) Subscriptions() *subscription.Store { return a.subs }

func (a *App) Push() *push.Engine { return a.push }

// Load reads the persisted documents. Start calls it when needed.
func (a *App) Load(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	if err := a.subs.Load(ctx); err != nil {
		return err
	}
	if err := a.templates.Load(ctx); err != nil {
		return err
	}
	a.loaded = true
	return nil
}

// Reconcile loads the documents and repairs producer drift. With dryRun the
// report only lists what would change and nothing is written.
func (a *App) Reconcile(ctx context.Context, dryRun bool) (subscription.Report, error) {
	if err := a.Load(ctx); err != nil {
		return subscription.Report{}, err
	}
	if dryRun {
		added, removed := a.subs.Plan()
		return subscription.Report{Added: added, Removed: removed}, nil
	}
	return a.subs.Reconcile(ctx)
}

// warm rebuilds the in-memory state of producers after a restart.
func (a *App) warm(ctx context.Context) {
	var types []string
	if a.cron != nil {
		types = append(types, cron.Type)
	}
	if a.hooks != nil {
		types = append(types, webhook.Type)
	}
	if len(types) > 0 {
		a.subs.Warm(ctx, types...)
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	// outside the supervisor: it drains until the bus closes in Stop
	go func() { _ = a.audit.Run(c) }()

	if _, err := a.Reconcile(c, false); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	a.warm(c)

	if a.cron != nil {
		if err := a.cron.Start(c); err != nil {
			return err
		}
	}
	if a.hooks != nil {
		a.sup.Go("webhook.http", a.hooks.Run)
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	menu := a.cmdm.Menu()
	for _, r := range a.robots.List() {
		l, ok := r.(transport.Listener)
		if !ok {
			continue
		}
		if err := l.Start(c, a.updates); err != nil {
			return fmt.Errorf("start robot %s: %w", r.ID(), err)
		}
		if mu, ok := r.(transport.CommandMenuUpdater); ok {
			robot := r
			a.sup.Go0("menu."+robot.ID(), func(c context.Context) {
				mctx, cancel := context.WithTimeout(c, 15*time.Second)
				defer cancel()
				if err := mu.UpdateMenuCommands(mctx, menu); err != nil {
					a.log.Warn("command menu update failed", logx.String("robot", robot.ID()), logx.Err(err))
				}
			})
		}
	}

	if err := a.debug.Start(c); err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}

	a.startReload()

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("channels", len(a.subs.Channels())))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeOffline(ctx)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	var errsOut []error
	for _, r := range a.robots.List() {
		if l, ok := r.(transport.Listener); ok {
			a.step(ctx, "robot."+r.ID(), 2*time.Second, l.Stop)
		}
	}
	if a.cron != nil {
		a.step(ctx, "cron", 2*time.Second, a.cron.Stop)
	}
	a.step(ctx, "pprof", time.Second, a.debug.Stop)
	errsOut = append(errsOut,
		a.step(ctx, "subscriptions", 2*time.Second, a.subs.Close),
		a.step(ctx, "templates", 2*time.Second, a.templates.Close),
	)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.bus.Close()
	// the audit consumer writes what the bus buffered before the store closes
	a.step(ctx, "audit", time.Second, a.audit.Wait)
	errsOut = append(errsOut, a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStore() }))

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errsOut...)
}

// closeOffline releases an app that was never started.
func (a *App) closeOffline(ctx context.Context) error {
	var err error
	if a.loaded {
		err = errors.Join(a.subs.Close(ctx), a.templates.Close(ctx))
	} else {
		a.subs.Discard()
		a.templates.Discard()
	}
	a.bus.Close()
	err = errors.Join(err, a.closeStore())
	_ = a.logs.Close()
	return err
}

// Discard drops pending document writes and releases an unstarted app.
// Dry runs use it so nothing reaches storage.
func (a *App) Discard() {
	a.loaded = false
	_ = a.closeOffline(context.Background())
}

func (a *App) closeStore() error {
	if !a.ownsStore || a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. It never extends the caller's deadline. A step
// that overruns is logged and reported as nil.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return nil
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return nil
	}
}
