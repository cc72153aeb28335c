package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"nexus-assistant/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 64 << 10
	readyTimeout      = 2 * time.Second
)

type TurnUseCase interface {
	HandleTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	turns   TurnUseCase
	metrics http.Handler
	ready   Pinger
	logger  *slog.Logger
}

// New builds the HTTP API. metrics and ready may be nil.
func New(turns TurnUseCase, metrics http.Handler, ready Pinger, logger *slog.Logger) (*Server, error) {
	if turns == nil {
		return nil, errors.New("httpapi: turn use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{turns: turns, metrics: metrics, ready: ready, logger: logger}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Post("/v1/turns", s.handleTurn)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type turnRequest struct {
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type turnResponse struct {
	Reply    string `json:"reply"`
	Degraded bool   `json:"degraded"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	corrID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if corrID == "" {
		corrID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, corrID)
	logger := s.logger.With("correlation_id", corrID)

	var req turnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logger.Warn("invalid request body", "err", err)
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput)})
		return
	}

	out, err := s.turns.HandleTurn(r.Context(), usecase.TurnInput{
		UserID:    req.UserID,
		Message:   req.Message,
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		status, code := usecase.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("turn failed", "err", err)
		} else {
			logger.Info("turn rejected", "err", err)
		}
		respondJSON(w, status, errorResponse{Error: string(code)})
		return
	}
	respondJSON(w, http.StatusOK, turnResponse{Reply: out.Reply, Degraded: out.Degraded})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
