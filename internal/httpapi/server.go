// Package httpapi exposes the agent over HTTP: health, capability discovery
// and event handling guarded by an internal API key.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dmadigital/autoflow/internal/agent"
)

// Header names accepted for the internal key.
const (
	HeaderAgentKey    = "x-internal-agent-api-key"
	HeaderInternalKey = "X-Internal-Key"
)

// MaxBodyBytes bounds the /handle_event request body.
const MaxBodyBytes = 1 << 20

// Agent is what the server needs from the agent.
type Agent interface {
	Capability() agent.Capability
	HandleJSON(ctx context.Context, data []byte) (agent.Result, error)
}

// Config holds server configuration.
type Config struct {
	Addr        string
	APIKey      string
	CORSOrigins []string
	// Timeout bounds each request; zero disables the bound.
	Timeout time.Duration
}

// Server serves the agent routes.
type Server struct {
	cfg    Config
	agent  Agent
	logger *slog.Logger
	router chi.Router
}

// New creates a server for a.
func New(cfg Config, a Agent, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, agent: a, logger: logger}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if s.cfg.Timeout > 0 {
		r.Use(middleware.Timeout(s.cfg.Timeout))
	}
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", HeaderAgentKey, HeaderInternalKey},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.agent.Capability())
	})
	r.With(s.requireKey).Post("/handle_event", s.handleEvent)

	return r
}

// requireKey rejects requests without the configured internal key. A server
// with no key configured refuses every guarded request.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			writeError(w, http.StatusInternalServerError, "Internal agent key not configured.", nil)
			return
		}
		candidate := r.Header.Get(HeaderAgentKey)
		if candidate == "" {
			candidate = r.Header.Get(HeaderInternalKey)
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid internal key.", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit), nil)
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error(), nil)
		return
	}

	res, err := s.agent.HandleJSON(r.Context(), body)
	if err != nil {
		var partial *agent.Result
		if res.Handler != "" {
			partial = &res
		}
		if agent.IsCallerError(err) {
			writeError(w, http.StatusBadRequest, err.Error(), partial)
			return
		}
		s.logger.Error("handle_event failed", "trace_id", res.TraceID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), partial)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// errorBody mirrors the {"detail": ...} shape callers already parse.
type errorBody struct {
	Detail string        `json:"detail"`
	Result *agent.Result `json:"result,omitempty"`
}

func writeError(w http.ResponseWriter, status int, detail string, res *agent.Result) {
	writeJSON(w, status, errorBody{Detail: detail, Result: res})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ListenAndServe serves on cfg.Addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}
