// Package push renders producer data through per-chat and built-in templates
// and fans it out to every subscriber of a channel.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pushbot/internal/channel"
	"pushbot/internal/chatid"
	"pushbot/internal/errs"
	"pushbot/internal/eventbus"
	"pushbot/internal/tmpl"
	"pushbot/internal/transport"
	logx "pushbot/pkg/logx"
)

const DefaultTag = "default"

// Result aggregates one push call. IsSuccess is false as soon as one
// recipient failed; Errors holds the per-recipient detail.
type Result struct {
	ID           string
	IsSuccess    bool
	SuccessCount int
	Errors       []error
}

// DeliveryError ties a failure to the subscriber it happened for.
type DeliveryError struct {
	Target string
	Err    error
}

func (e *DeliveryError) Error() string { return e.Target + ": " + e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }

// Subscribers is the read side of the subscription store.
type Subscribers interface {
	Subscribers(channelType, channelID string) []string
}

// CustomTemplates is the read side of the custom template store.
type CustomTemplates interface {
	Get(identity chatid.Identity, channelType, channelID string) (string, bool)
}

// Robots resolves the robot behind an identity.
type Robots interface {
	chatid.RobotLookup
	Get(robotID string) (transport.Robot, bool)
}

type Options struct {
	// RatePerSec paces deliveries across all pushes; 0 disables pacing.
	RatePerSec float64
	// SendTimeout bounds one delivery; 0 disables it.
	SendTimeout time.Duration
}

type Engine struct {
	log       logx.Logger
	registry  *channel.Registry
	subs      Subscribers
	templates CustomTemplates
	robots    Robots
	renderer  tmpl.Renderer
	bus       eventbus.Publisher

	mu      sync.RWMutex
	opts    Options
	limiter *rate.Limiter
}

func New(
	registry *channel.Registry,
	subs Subscribers,
	templates CustomTemplates,
	robots Robots,
	renderer tmpl.Renderer,
	bus eventbus.Publisher,
	opts Options,
	log logx.Logger,
) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		log:       log.With(logx.String("comp", "push")),
		registry:  registry,
		subs:      subs,
		templates: templates,
		robots:    robots,
		renderer:  renderer,
		bus:       bus,
	}
	e.Apply(opts)
	return e
}

// Apply swaps pacing and timeout at runtime.
func (e *Engine) Apply(opts Options) {
	var lim *rate.Limiter
	if opts.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), max(1, int(opts.RatePerSec)))
	}
	e.mu.Lock()
	e.opts = opts
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Engine) options() (Options, *rate.Limiter) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts, e.limiter
}

// Push renders payload for every subscriber of path and delivers it.
//
// Subscribers are served one after another in subscription order. A failing
// subscriber is recorded and skipped; the loop never aborts. Only an
// unregistered channel type fails the call itself.
func (e *Engine) Push(ctx context.Context, path string, payload any, tag string) (Result, error) {
	channelType, channelID, ok := channel.SplitPath(path)
	if !ok {
		return Result{}, &errs.ParseError{Input: path, Reason: "channel path must be type/id"}
	}
	desc, ok := e.registry.Get(channelType)
	if !ok {
		return Result{}, errs.ChannelTypeNotFound(channelType)
	}
	if tag == "" {
		tag = DefaultTag
	}

	res := Result{ID: uuid.NewString(), IsSuccess: true}
	targets := e.subs.Subscribers(channelType, channelID)
	if len(targets) == 0 {
		return res, nil
	}

	log := e.log.With(logx.String("push", res.ID), logx.String("path", path), logx.String("tag", tag))
	opts, limiter := e.options()
	started := time.Now()

	// built-in renders are shared by every recipient of the same robot type
	cache := map[string]string{}

	for _, target := range targets {
		err := e.deliver(ctx, desc, channelType, channelID, target, payload, cache, opts, limiter)
		if err != nil {
			res.Errors = append(res.Errors, &DeliveryError{Target: target, Err: err})
			log.Debug("delivery failed", logx.String("target", target), logx.Err(err))
			continue
		}
		res.SuccessCount++
	}
	res.IsSuccess = len(res.Errors) == 0

	log.Info("push done",
		logx.Int("total", len(targets)),
		logx.Int("success", res.SuccessCount),
		logx.Int("failed", len(res.Errors)),
		logx.Duration("took", time.Since(started)),
	)
	if e.bus != nil {
		err := e.bus.Publish(eventbus.Event{Kind: eventbus.KindPush, Data: eventbus.PushEvent{
			ID:      res.ID,
			Path:    path,
			Tag:     tag,
			Total:   len(targets),
			Success: res.SuccessCount,
			Failed:  len(res.Errors),
		}})
		if err != nil {
			log.Warn("event publish failed", logx.Err(err))
		}
	}
	return res, nil
}

func (e *Engine) deliver(
	ctx context.Context,
	desc channel.Descriptor,
	channelType, channelID, target string,
	payload any,
	cache map[string]string,
	opts Options,
	limiter *rate.Limiter,
) error {
	identity, err := chatid.Decode(target, e.robots)
	if err != nil {
		return err
	}
	robot, ok := e.robots.Get(identity.RobotID)
	if !ok {
		return &errs.NotFoundError{What: "robot", Key: identity.RobotID}
	}

	content, err := e.content(desc, channelType, channelID, identity, robot.Type(), payload, cache)
	if err != nil {
		return err
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	sendCtx := ctx
	if opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, opts.SendTimeout)
		defer cancel()
	}
	if err := robot.Send(sendCtx, identity, content); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("send timed out after %s: %w", opts.SendTimeout, err)
		}
		return err
	}
	return nil
}

// content resolves the template for one recipient: the chat's custom template
// (exact channel, then the chat default for the type), else the built-in
// template for the robot type, else the generic built-in.
func (e *Engine) content(
	desc channel.Descriptor,
	channelType, channelID string,
	identity chatid.Identity,
	robotType string,
	payload any,
	cache map[string]string,
) (string, error) {
	if e.templates != nil {
		if text, ok := e.templates.Get(identity, channelType, channelID); ok {
			return e.renderer.Render(text, payload)
		}
	}

	text, specific, ok := desc.Template(robotType)
	if !ok {
		return "", errs.NoDefaultTemplate(channelType, robotType)
	}
	key := "generic"
	if specific {
		key = "rt:" + robotType
	}
	if out, hit := cache[key]; hit {
		return out, nil
	}
	out, err := e.renderer.Render(text, payload)
	if err != nil {
		return "", err
	}
	cache[key] = out
	return out, nil
}
