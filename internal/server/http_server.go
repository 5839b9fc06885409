package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherchat/internal/auth"
	"github.com/Tyrowin/cipherchat/internal/presence"
	"github.com/Tyrowin/cipherchat/internal/session"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server.
type Deps struct {
	Presence presence.Store
	Verifier auth.Verifier
	Chat     ChatStore
	// Health is pinged by the health endpoint. Optional.
	Health Pinger
}

// Server owns the session registry, the frame dispatcher and the HTTP server.
type Server struct {
	cfg        Config
	log        *zap.Logger
	reg        *session.Registry
	dispatcher *dispatcher
	origins    originPolicy
	upgrader   websocket.Upgrader
	pinger     Pinger
	http       *http.Server
}

// New wires a server from cfg and deps. It does not listen yet.
func New(cfg Config, deps Deps, log *zap.Logger) (*Server, error) {
	if deps.Presence == nil || deps.Verifier == nil || deps.Chat == nil {
		return nil, errors.New("server: presence store, verifier and chat store are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.Sanitize()

	reg := session.NewRegistry(cfg.SessionOptions(), log.Named("session"))
	notifier := presence.NewNotifier(deps.Presence, registryDirectory{reg: reg}, log.Named("presence"))
	s := &Server{
		cfg: cfg,
		log: log,
		reg: reg,
		dispatcher: &dispatcher{
			reg:      reg,
			verifier: deps.Verifier,
			chat:     deps.Chat,
			presence: presence.NewService(deps.Presence, notifier, log.Named("presence")),
			timeout:  cfg.UpstreamTimeout,
			log:      log,
			now:      time.Now,
		},
		origins: newOriginPolicy(cfg.AllowedOrigins, log),
		pinger:  deps.Health,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.http = CreateServer(cfg.Port, s.SetupRoutes())
	return s, nil
}

// Registry exposes the session registry.
func (s *Server) Registry() *session.Registry { return s.reg }

// HTTPServer exposes the underlying http.Server.
func (s *Server) HTTPServer() *http.Server { return s.http }

// CreateServer creates and configures an HTTP server with the specified port and handler.
// Sockets manage their own write deadlines, so WriteTimeout is left unset.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Start listens until the server is shut down. It returns nil after a
// graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests, then closes every socket and waits for
// the pumps and offline transitions to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	httpErr := s.http.Shutdown(ctx)
	if httpErr != nil {
		s.log.Warn("http server shutdown", zap.Error(httpErr))
	}

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	regErr := s.reg.Shutdown(timeout)
	return errors.Join(httpErr, regErr)
}
