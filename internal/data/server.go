package data

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter exposes s as a read-only JSON API.
//
//	GET /brands|/loans|/messages|/queues  [?id=a&id=b]
//	GET /statistics
//	GET /users/{id}
//	GET /users/{id}/{resource}
func NewRouter(s *Store, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	for _, name := range Collections {
		r.Get("/"+name, func(w http.ResponseWriter, r *http.Request) {
			if ids := r.URL.Query()["id"]; len(ids) > 0 {
				writeJSON(w, http.StatusOK, s.Existing(name, ids))
				return
			}
			recs, _ := s.Records(name)
			writeJSON(w, http.StatusOK, recs)
		})
	}

	r.Get("/statistics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Statistics())
	})

	r.Route("/users/{id}", func(u chi.Router) {
		u.Get("/", func(w http.ResponseWriter, r *http.Request) {
			user, ok := s.User(chi.URLParam(r, "id"))
			if !ok {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			writeJSON(w, http.StatusOK, user)
		})
		u.Get("/{resource}", func(w http.ResponseWriter, r *http.Request) {
			user, ok := s.User(chi.URLParam(r, "id"))
			if !ok {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			v, ok := user[chi.URLParam(r, "resource")]
			if !ok {
				writeError(w, http.StatusNotFound, "resource not found")
				return
			}
			writeJSON(w, http.StatusOK, v)
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path,
				"status", ww.Status(), "duration", time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
