package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/codepod/internal/observability"
	"github.com/danmuck/codepod/internal/router"
	"github.com/danmuck/codepod/internal/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Containers is the container surface the service needs: the registry's
// supervisor plus inventory and daemon checks.
type Containers interface {
	sessions.Supervisor
	ListActiveSessions(ctx context.Context, prefix string) ([]string, error)
	Preflight(ctx context.Context) error
}

// ServiceConfig is the bridge runtime shape.
type ServiceConfig struct {
	ServiceID        string
	ListenAddr       string
	CORSOrigins      []string
	SubscriberBuffer int
	// CommandRate is inbound commands per second per connection.
	CommandRate     float64
	CommandBurst    int
	KillOnShutdown  bool
	ShutdownTimeout time.Duration
	Sessions        sessions.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ServiceID:        "kernelctl",
		ListenAddr:       ":8090",
		CORSOrigins:      []string{"http://localhost:3000"},
		SubscriberBuffer: router.DefaultBuffer,
		CommandRate:      20,
		CommandBurst:     40,
		KillOnShutdown:   true,
		ShutdownTimeout:  15 * time.Second,
		Sessions:         sessions.DefaultConfig(),
	}
}

func (cfg ServiceConfig) withDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ServiceID) == "" {
		cfg.ServiceID = def.ServiceID
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.CommandRate <= 0 {
		cfg.CommandRate = def.CommandRate
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = def.CommandBurst
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return cfg
}

// Service owns the registry, the router and every client connection.
type Service struct {
	cfg        ServiceConfig
	containers Containers
	registry   *sessions.Registry
	router     *router.Router
	log        zerolog.Logger
	started    time.Time

	engineOnce sync.Once
	engine     *gin.Engine

	baseMu sync.RWMutex
	base   context.Context

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
}

func NewService(cfg ServiceConfig, containers Containers) *Service {
	cfg = cfg.withDefaults()
	rt := router.New(cfg.SubscriberBuffer)
	return &Service{
		cfg:        cfg,
		containers: containers,
		registry:   sessions.NewRegistry(cfg.Sessions, containers, rt),
		router:     rt,
		log:        observability.Component("bridge"),
		started:    time.Now(),
		base:       context.Background(),
		conns:      make(map[*Conn]struct{}),
	}
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Registry() *sessions.Registry {
	return s.registry
}

func (s *Service) Router() *router.Router {
	return s.router
}

// Handler returns the HTTP surface, built once.
func (s *Service) Handler() http.Handler {
	s.engineOnce.Do(func() {
		s.engine = s.routes()
	})
	return s.engine
}

// Run listens on the configured address and blocks until SIGINT, SIGTERM
// or ctx cancellation.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.containers.Preflight(ctx); err != nil {
		s.log.Warn().Err(err).Msg("bridge.Service.Run docker preflight failed")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("bridge.Service.Run listening")
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx ends, then closes client connections,
// drains the server and optionally kills every session.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.baseMu.Lock()
	s.base = ctx
	s.baseMu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()

		s.closeAllConns()
		err := srv.Shutdown(shutdownCtx)
		if s.cfg.KillOnShutdown {
			for _, report := range s.registry.KillAll(shutdownCtx) {
				s.router.Forget(report.SessionID)
			}
		}
		s.log.Info().Msg("bridge.Service.Serve stopped")
		return err
	})
	return g.Wait()
}

func (s *Service) baseContext() context.Context {
	s.baseMu.RLock()
	defer s.baseMu.RUnlock()
	return s.base
}

// KillSession tears down a session and drops its routing state.
func (s *Service) KillSession(ctx context.Context, sessionID string) sessions.KillReport {
	report := s.registry.Kill(ctx, sessionID)
	s.router.Forget(sessionID)
	return report
}

// serveWS upgrades one request and blocks for the connection's lifetime.
func (s *Service) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("bridge websocket upgrade failed")
		return
	}
	conn := newConn(s, ws)
	s.trackConn(conn)
	defer s.untrackConn(conn)
	conn.log.Debug().Str("remote", r.RemoteAddr).Msg("bridge conn opened")
	conn.serve()
}

func (s *Service) trackConn(conn *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
		delete(s.conns, conn)
	}
	s.connsMu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// ConnCount reports open client connections.
func (s *Service) ConnCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}
