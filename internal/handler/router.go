package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aqrarportal/examengine/internal/i18n"
)

// NewRouter wires the API routes behind the standard middleware stack. CORS is
// enabled only when origins is non-empty.
func NewRouter(h *Handler, origins []string, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(i18n.Middleware())
	h.Routes(r)
	return r
}
