// Package server implements the sync relay: a WebSocket hub for the
// persistent transport, HTTP push/pull endpoints for the polling
// transport and a signaling relay for the WebRTC mesh. Applied state
// lives in the document store; the relay keeps no durable log of its own.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/store"
	"github.com/docsync/docsync/internal/core/sync/resolver"
)

// Config holds relay server configuration.
type Config struct {
	ListenAddr string
	// AuthToken guards every endpoint. Empty disables authentication.
	AuthToken string
	// MaxMessageSize bounds inbound socket frames.
	MaxMessageSize int64
	// WriteTimeout bounds socket writes to slow clients.
	WriteTimeout time.Duration
	// ClientBuffer is the per-client outbound frame buffer; a client
	// that cannot keep up is dropped.
	ClientBuffer int

	LogLevel log.Level
}

// DefaultConfig returns the baseline relay configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		MaxMessageSize: 1 << 20,
		WriteTimeout:   10 * time.Second,
		ClientBuffer:   256,
		LogLevel:       log.LevelInfo,
	}
}

// Server is the sync relay.
type Server struct {
	cfg     Config
	stor    *store.Memory
	hub     *hub
	signals *signalRelay
	resolve resolver.Resolver
	logger  log.Log

	httpServer *http.Server
	listenerMu gosync.Mutex
	listener   net.Listener
}

// New creates a relay backed by the given store.
func New(cfg Config, stor *store.Memory, logger log.Log) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}

	s := &Server{
		cfg:     cfg,
		stor:    stor,
		resolve: resolver.Default(),
		logger:  logger.With(log.String("component", "relay")),
	}
	s.hub = newHub(s)
	s.signals = newSignalRelay(s)
	return s
}

// Handler returns the relay's HTTP routing surface. Exposed so tests can
// mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/ws", s.hub.serveWS)
	mux.HandleFunc("/sync/signal", s.signals.serve)
	mux.HandleFunc("/sync/push", s.handlePush)
	mux.HandleFunc("/sync/pull", s.handlePull)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler()}
	s.listenerMu.Unlock()

	s.logger.Info("relay listening", log.String("addr", ln.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		s.signals.closeAll()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Addr returns the bound listen address once Run has started.
func (s *Server) Addr() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// apply runs one inbound change through conflict resolution and the
// store, returning the per-item outcome.
func (s *Server) apply(ctx context.Context, change changeset.ChangeSet) changeset.PushResult {
	if err := change.Validate(); err != nil {
		return changeset.PushResult{
			DocumentID: change.DocumentID,
			Status:     changeset.PushRejected,
			Error:      err.Error(),
		}
	}

	current, currentOrigin, err := s.stor.CurrentVersion(ctx, change.Collection, change.DocumentID)
	if err != nil {
		return changeset.PushResult{
			DocumentID: change.DocumentID,
			Status:     changeset.PushRejected,
			Error:      err.Error(),
		}
	}

	if change.Version <= current {
		local := changeset.ChangeSet{
			DocumentID: change.DocumentID,
			Collection: change.Collection,
			Operation:  changeset.OpUpdate,
			Version:    current,
			OriginID:   currentOrigin,
		}
		winner, _ := s.resolve.Resolve(local, change)
		if winner.OriginID != change.OriginID || winner.Version != change.Version {
			return changeset.PushResult{
				DocumentID: change.DocumentID,
				Version:    current,
				Status:     changeset.PushStale,
			}
		}
	}

	res, err := s.stor.ApplyChange(ctx, change)
	if err != nil {
		return changeset.PushResult{
			DocumentID: change.DocumentID,
			Status:     changeset.PushRejected,
			Error:      err.Error(),
		}
	}
	if !res.Applied {
		return changeset.PushResult{
			DocumentID: change.DocumentID,
			Version:    res.Version,
			Status:     changeset.PushStale,
		}
	}
	return changeset.PushResult{
		DocumentID: change.DocumentID,
		Version:    res.Version,
		Status:     changeset.PushOK,
	}
}

// authorized checks the bearer token when authentication is enabled.
func (s *Server) authorized(token string) bool {
	return s.cfg.AuthToken == "" || token == s.cfg.AuthToken
}
