package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/internal/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AdminServer exposes the local control surface: enqueue a goal, force a
// tick, read the full persisted snapshot. It binds to loopback by default
// and carries no authentication; it is an operator tool, not a public API.
type AdminServer struct {
	addr   string
	engine *engine.Engine
	log    *zap.Logger
	srv    *http.Server
}

// NewAdminServer creates the admin surface bound to addr.
func NewAdminServer(addr string, eng *engine.Engine, logger *zap.Logger) *AdminServer {
	s := &AdminServer{
		addr:   addr,
		engine: eng,
		log:    logger.Named("admin"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/goals", s.handleGoals)
	mux.HandleFunc("/api/tick", s.handleTick)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// swallowed: it is the normal shutdown signal.
func (s *AdminServer) ListenAndServe() error {
	s.log.Info("Admin server listening", zap.String("addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type enqueueRequest struct {
	Goal          string `json:"goal"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

func (s *AdminServer) handleGoals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		s.writeError(w, http.StatusBadRequest, "goal text must not be empty")
		return
	}

	goal, err := s.engine.Enqueue(r.Context(), req.Goal, req.CommitMessage)
	if err != nil {
		if errors.Is(err, engine.ErrEmptyGoal) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("Failed to enqueue goal", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, goal)
}

func (s *AdminServer) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.engine.TriggerTick(r.Context()); err != nil {
		s.log.Error("Manual tick failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *AdminServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
