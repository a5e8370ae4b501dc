// Package dashboard exposes a read-only JSON view of the engine: current
// state, live trade and the latest persisted P&L snapshot.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"nifty-strangler/internal/models"
	"nifty-strangler/internal/storage"
)

// EngineView is the slice of the engine the dashboard reads.
type EngineView interface {
	State() (models.EngineState, string)
	Trade() *models.TradeState
}

// Server serves the status API. It never mutates anything.
type Server struct {
	engine EngineView
	store  storage.Interface
	logger logrus.FieldLogger
	http   *http.Server
}

func New(engine EngineView, store storage.Interface, logger logrus.FieldLogger, listen string) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		engine: engine,
		store:  store,
		logger: logger.WithField("component", "dashboard"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/pnl", s.handlePnL)

	s.http = &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.WithField("listen", s.http.Addr).Info("Dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state, desc := s.engine.State()
	resp := map[string]any{
		"state":       state,
		"description": desc,
	}
	if t := s.engine.Trade(); t != nil {
		resp["trade"] = t
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePnL(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot store configured"})
		return
	}
	snap, ok := s.store.LatestSnapshot()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshots yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"latest": snap,
		"daily":  s.store.DailyPnL(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Response encode failed")
	}
}
