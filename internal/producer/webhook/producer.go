// Package webhook is a channel producer that relays HTTP posts. Each channel
// id is a token; a JSON body posted to <prefix>/<token> is pushed to the
// channel's subscribers.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"pushbot/internal/channel"
	"pushbot/internal/errs"
	"pushbot/internal/push"
	logx "pushbot/pkg/logx"
)

const Type = "webhook"

type Config struct {
	Addr   string
	Prefix string
	// BaseURL is prepended to hook paths in replies; optional.
	BaseURL string
	// Timeout bounds one relayed push; 0 means 30s.
	Timeout time.Duration
}

type Pusher interface {
	Push(ctx context.Context, path string, payload any, tag string) (push.Result, error)
}

var reToken = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// NewToken returns a fresh random hook token.
func NewToken() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }

type Producer struct {
	log    logx.Logger
	pusher Pusher
	cfg    Config
	e      *echo.Echo

	mu    sync.RWMutex
	hooks map[string]time.Time
}

func New(cfg Config, pusher Pusher, log logx.Logger) *Producer {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Prefix = "/" + strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if cfg.Prefix == "/" {
		cfg.Prefix = "/hook"
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8085"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &Producer{
		log:    log.With(logx.String("comp", "producer.webhook")),
		pusher: pusher,
		cfg:    cfg,
		hooks:  map[string]time.Time{},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			p.log.Debug("request",
				logx.String("method", v.Method),
				logx.String("route", c.Path()),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
				logx.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	e.POST(cfg.Prefix+"/:token", p.handlePost)
	p.e = e
	return p
}

func (p *Producer) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		ID:          Type,
		Title:       "Webhooks",
		Description: "Relays JSON posted to " + p.cfg.Prefix + "/<token>.",
		Help:        "id: a token of 8-64 letters, digits, '-' or '_'; /newhook makes one",
		Templates: []channel.TemplateDefinition{
			{RobotType: "telegram", Template: "🔔 {{if .title}}{{.title}}\n{{end}}{{default \"(empty)\" .text}}"},
			{Template: "{{if .title}}{{.title}}: {{end}}{{default \"(empty)\" .text}}"},
		},
		Producer: p,
	}
}

// URL is where a hook accepts posts.
func (p *Producer) URL(token string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + p.cfg.Prefix + "/" + token
}

// short is the loggable prefix of a token; the full token is a secret.
func short(token string) string { return token[:min(8, len(token))] }

func (p *Producer) info(token string) *channel.Info {
	return &channel.Info{
		ID:          token,
		Title:       "Webhook " + short(token),
		Description: "POST " + p.URL(token),
		UpdateMode:  channel.UpdatePush,
	}
}

func (p *Producer) ChannelInfo(_ context.Context, id string) (*channel.Info, error) {
	p.mu.RLock()
	_, ok := p.hooks[id]
	p.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return p.info(id), nil
}

func (p *Producer) InitChannel(_ context.Context, id string) (*channel.Info, error) {
	if !reToken.MatchString(id) {
		return nil, &errs.ParseError{Input: id, Reason: "webhook token must be 8-64 characters of [A-Za-z0-9_-]"}
	}
	p.mu.Lock()
	if _, ok := p.hooks[id]; !ok {
		p.hooks[id] = time.Now()
		p.log.Info("hook registered", logx.String("hook", short(id)))
	}
	p.mu.Unlock()
	return p.info(id), nil
}

func (p *Producer) CleanupChannel(_ context.Context, id string) error {
	p.mu.Lock()
	if _, ok := p.hooks[id]; ok {
		delete(p.hooks, id)
		p.log.Info("hook removed", logx.String("hook", short(id)))
	}
	p.mu.Unlock()
	return nil
}

// Tokens lists registered hooks, sorted.
func (p *Producer) Tokens() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.hooks))
	for t := range p.hooks {
		out = append(out, t)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

type postResponse struct {
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

func (p *Producer) handlePost(c echo.Context) error {
	token := c.Param("token")
	p.mu.RLock()
	_, ok := p.hooks[token]
	p.mu.RUnlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown hook")
	}

	var body any
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be JSON")
	}
	payload, isObject := body.(map[string]any)
	if !isObject {
		payload = map[string]any{"text": body}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), p.cfg.Timeout)
	defer cancel()
	res, err := p.pusher.Push(ctx, channel.Path(Type, token), payload, c.QueryParam("tag"))
	if err != nil {
		p.log.Warn("relay failed", logx.String("hook", short(token)), logx.Err(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "push failed")
	}
	return c.JSON(http.StatusOK, postResponse{
		ID:        res.ID,
		OK:        res.IsSuccess,
		Delivered: res.SuccessCount,
		Failed:    len(res.Errors),
	})
}

// Handler exposes the HTTP routes.
func (p *Producer) Handler() http.Handler { return p.e }

// Run serves until ctx ends, then shuts the server down.
func (p *Producer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- p.e.Start(p.cfg.Addr) }()
	p.log.Info("webhook listener started", logx.String("addr", p.cfg.Addr), logx.String("prefix", p.cfg.Prefix))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := p.e.Shutdown(sctx)
		p.log.Info("webhook listener stopped")
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
