package httpserver

import (
	"net/http"
	"time"

	"github.com/dkhromov/qa-coverage-tracker/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func newRouter(logger *zap.Logger, svc Service, authMW *auth.Middleware) http.Handler {
	h := &handler{
		svc:    svc,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(zapRequestLogger(logger))

	r.Get("/health", h.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMW.RequireAuth)

		r.Route("/stories", func(r chi.Router) {
			r.Post("/", h.handleStoryCreate)
			r.Get("/", h.handleStoryList)
			r.Get("/{id}", h.handleStoryGet)
			r.Get("/{id}/history", h.handleStoryHistory)
			r.Post("/{id}/assign", h.handleStoryAssign)
			r.Post("/{id}/coverage", h.handleStoryCoverage)
		})

		r.Get("/users/{id}/stats", h.handleUserStats)

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/team", h.handleTeamStats)
			r.Get("/users", h.handleUserStatsList)
			r.Get("/export", h.handleExportCSV)
		})
	})

	return r
}

func zapRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info(
				"http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
