package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/hotmem/internal/app"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// Server is the hotmem HTTP API server.
type Server struct {
	app     *app.App
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over a and the given version string.
func New(a *app.App, version string) *Server {
	s := &Server{
		app:     a,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("took", d).
			Msg("request")
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/memories", s.handleListMemories)
		r.Post("/memories", s.handleAppend)
		r.Post("/memories/invalidate", s.handleInvalidate)
		r.Post("/memories/update", s.handleUpdate)
		r.Post("/memories/reinforce", s.handleReinforce)
		r.Post("/memories/prune", s.handlePrune)
		r.Post("/memories/dedup", s.handleDedup)

		r.Get("/search", s.handleSearch)
		r.Get("/decay", s.handleDecay)
		r.Get("/lint", s.handleLint)
		r.Post("/lint/fix", s.handleLintFix)
		r.Post("/extract", s.handleExtract)
		r.Get("/digest", s.handleDigest)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.app.CheckHealth(r.Context(), false)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  rep.Overall,
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"store":   s.app.Store.Path(),
		"checks":  rep.Checks,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response_encode_failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// requestLogger returns the request-scoped logger.
func requestLogger(r *http.Request) *zerolog.Logger {
	return hlog.FromRequest(r)
}
