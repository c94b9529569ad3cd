// Package api serves the local control and observation HTTP API.
//
// The listener binds to localhost by default. A non-loopback address needs
// a token unless allow_insecure is set.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	rtsup "tasknotify/internal/runtime/supervisor"
	logx "tasknotify/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8787"

var errInsecureBind = errors.New("non-loopback addr requires a token or allow_insecure")

// Config is comparable; any change restarts the listener.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// listener is one Start..Stop lifetime of the HTTP server.
type listener struct {
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

type Service struct {
	log  logx.Logger
	deps Deps

	mu  sync.Mutex
	cfg Config
	cur *listener
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	return &Service{cfg: cfg, deps: deps, log: log}
}

// Supervisor is the serving supervisor, nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.addr
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve failures are retried with backoff.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	addr := cfg.addr()

	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return fmt.Errorf("api %s: %w", addr, errInsecureBind)
		}
		s.log.Warn("api serving without token on a non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	l := &listener{
		srv: &http.Server{
			Handler:      NewRouter(s.deps, cfg.Token, cfg.Pprof, s.log),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		sup:  rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		addr: ln.Addr().String(),
	}
	s.cur = l

	pending := ln
	l.sup.GoRestart("api.serve", func(c context.Context) error {
		next := pending
		pending = nil
		if next == nil {
			var err error
			if next, err = net.Listen("tcp", l.addr); err != nil {
				return err
			}
		}
		err := l.srv.Serve(next)
		if c.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return context.Canceled
		}
		return err
	}, rtsup.WithPublishFirstError(true), rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.log.Info("api started",
		logx.String("addr", l.addr),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	return nil
}

// Stop shuts the server down gracefully until ctx ends, then closes it.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	l := s.cur
	s.cur = nil
	s.mu.Unlock()
	if l == nil {
		return
	}

	if err := l.srv.Shutdown(ctx); err != nil {
		_ = l.srv.Close()
	}
	l.sup.Cancel()
	_ = l.sup.Wait(ctx)
	s.log.Info("api stopped", logx.String("addr", l.addr))
}

// Reconfigure applies cfg, restarting the server when anything changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	unchanged := s.cur != nil && s.cfg == cfg
	s.cfg = cfg
	s.mu.Unlock()

	if unchanged {
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
