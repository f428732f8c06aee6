// Package server is the websocket front door: it upgrades connections,
// admits them to projects through the session registry, provisions
// environments and feeds change requests to the controller.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patchwork-run/patchwork/pkg/config"
	"github.com/patchwork-run/patchwork/pkg/controller"
	"github.com/patchwork-run/patchwork/pkg/gate"
	"github.com/patchwork-run/patchwork/pkg/log"
	"github.com/patchwork-run/patchwork/pkg/provision"
	"github.com/patchwork-run/patchwork/pkg/registry"
	"github.com/patchwork-run/patchwork/pkg/store"
)

// Deps collects the collaborators the server wires together.
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Registry    *registry.Registry
	Provisioner *provision.Provisioner
	Gate        *gate.Gate
	Controller  *controller.Controller
}

type idleEntry struct {
	envID string
	last  time.Time
}

// Server accepts websocket sessions.
type Server struct {
	deps     Deps
	upgrader websocket.Upgrader

	baseCtx context.Context
	runs    sync.WaitGroup

	mu   sync.Mutex
	idle map[string]idleEntry // projectID -> last activity
}

// New creates a Server.
func New(deps Deps) *Server {
	return &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Browser clients connect from the app origin; auth happens
			// at the init message, not the handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		idle: make(map[string]idleEntry),
	}
}

// Run serves until ctx is cancelled, then drains in-flight runs.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              s.deps.Config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	reaperDone := make(chan struct{})
	go s.reapIdle(ctx, reaperDone)

	log.Info("listening", "addr", s.deps.Config.ListenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	s.runs.Wait()
	<-reaperDone
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(s, ws)
	go c.serve()
}

// touch records project activity for the idle reaper.
func (s *Server) touch(projectID, envID string) {
	if projectID == "" {
		return
	}
	s.mu.Lock()
	e := s.idle[projectID]
	e.last = time.Now()
	if envID != "" {
		e.envID = envID
	}
	s.idle[projectID] = e
	s.mu.Unlock()
}

// reapIdle stops environments of projects that have been quiet past the
// configured window and are not currently locked by anyone.
func (s *Server) reapIdle(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	window := s.deps.Config.IdleStopAfter
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-window)
		s.mu.Lock()
		var stale []struct{ projectID, envID string }
		for projectID, e := range s.idle {
			if e.last.Before(cutoff) && e.envID != "" {
				stale = append(stale, struct{ projectID, envID string }{projectID, e.envID})
			}
		}
		s.mu.Unlock()

		for _, st := range stale {
			if _, err := s.deps.Store.GetLock(ctx, st.projectID); err == nil {
				continue // someone is attached
			} else if !errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err := s.deps.Provisioner.Stop(ctx, st.envID); err != nil {
				log.Warn("idle stop failed", "project_id", st.projectID, "environment", st.envID, "error", err)
				continue
			}
			log.Info("stopped idle environment", "project_id", st.projectID, "environment", st.envID)
			s.mu.Lock()
			delete(s.idle, st.projectID)
			s.mu.Unlock()
		}
	}
}
