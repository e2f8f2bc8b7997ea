// ABOUTME: Chi route table and shared HTTP helpers for the coordinator
// ABOUTME: Request logging, JSON encoding, and store-error to status mapping

package coordinator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-approve/internal/auth"
	"github.com/2389/coven-approve/internal/devicelogin"
	"github.com/2389/coven-approve/internal/store"
)

const (
	maxBodySize    = 64 << 10
	requestTimeout = 30 * time.Second
)

func (c *Coordinator) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(c.logger))
	r.Use(middleware.Recoverer)

	// Long-lived; must not inherit the request timeout.
	r.With(c.mw.Require(true, auth.ScopeSession, auth.ScopeWatch)).Get("/ws", c.handleWebsocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", c.handleHealth)
		r.Post("/auth/login", c.handleLogin)

		r.Route("/device", func(r chi.Router) {
			r.Post("/request", c.handleCreateRequest)
			r.With(c.mw.Require(false, auth.ScopeWatch)).Get("/poll/{id}", c.handlePoll)
			r.With(c.mw.Require(false, auth.ScopeSession, auth.ScopeWatch)).Post("/cancel", c.handleCancel)

			r.Group(func(r chi.Router) {
				r.Use(c.mw.Session())
				r.Get("/requests", c.handleListRequests)
				r.Get("/request-by-code", c.handleRequestByCode)
				r.Post("/approve", c.handleResolve(devicelogin.StatusApproved))
				r.Post("/deny", c.handleResolve(devicelogin.StatusDenied))
				r.Post("/push-token", c.handleRegisterPushToken)
				r.Get("/push-token/status", c.handlePushTokenStatus)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(c.mw.Session())
			r.Use(auth.RequireAdmin())
			r.Put("/users/{identifier}/role", c.handleUpdateRole)
			r.Delete("/users/{identifier}", c.handleDeleteUser)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// loggerMiddleware logs one line per request.
func loggerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody reads a JSON body of bounded size into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// sendStoreError maps store sentinels onto the coordinator's status codes.
func (c *Coordinator) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "device request not found")
	case errors.Is(err, store.ErrAlreadyResolved):
		sendJSONError(w, http.StatusConflict, "device request already resolved")
	case errors.Is(err, store.ErrExpired):
		sendJSONError(w, http.StatusGone, "device request expired")
	default:
		c.logger.Error("request failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleHealth returns 200 OK if the server is alive.
func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
