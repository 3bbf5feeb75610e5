// Package pprof serves the optional debug listener: runtime profiles, a
// liveness probe and a JSON snapshot of engine counters.
package pprof

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	logx "pushbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("debug listener on a non-loopback addr requires a token or allow_insecure")

// Config controls the debug listener. Binding outside loopback needs Token
// or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// StatsFunc returns the document served at /debug/stats.
type StatsFunc func() any

type Service struct {
	log   logx.Logger
	stats StatsFunc

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	addr string
	done chan struct{}
}

func New(cfg Config, stats StatsFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if stats == nil {
		stats = func() any { return struct{}{} }
	}
	return &Service{cfg: cfg, stats: stats, log: log.With(logx.String("comp", "pprof"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address while running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the routes for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	g := e.Group("/debug", bearer(cfg.Token))
	g.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	g.GET("/stats", func(c echo.Context) error { return c.JSON(http.StatusOK, s.stats()) })
	g.GET("/pprof/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	g.GET("/pprof/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
	g.GET("/pprof/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
	g.GET("/pprof/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	g.GET("/pprof/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
	// named profiles: heap, goroutine, allocs, block, mutex, threadcreate
	g.GET("/pprof/:name", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	return e
}

// bearer accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearer(token string) echo.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if tok == "" {
			return next
		}
		return func(c echo.Context) error {
			got := c.QueryParam("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

// Start binds the listener and serves in the background. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return ErrInsecureBind
		}
		s.log.Warn("debug listener running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(cfg), ReadHeaderTimeout: 10 * time.Second}
	done := make(chan struct{})
	s.srv, s.addr, s.done = srv, ln.Addr().String(), done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("debug listener failed", logx.Err(err))
		}
	}()
	s.log.Info("debug listener started", logx.String("addr", s.addr), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Stop shuts the listener down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.addr, s.done = nil, "", nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("debug listener stopped")
	return err
}

// Reconfigure applies cfg, starting, stopping or restarting the listener as
// needed. Used on config reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return s.Stop(ctx)
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		if err := s.Stop(ctx); err != nil {
			return err
		}
		return s.Start(ctx)
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	// empty host means all interfaces
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
