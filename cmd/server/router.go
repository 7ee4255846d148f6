package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mailsift/mailsift/internal/api"
	apiMiddleware "github.com/mailsift/mailsift/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware. Returns the configured router.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	analysisHandler := api.NewAnalysisHandler(app.optimizer, app.logger)
	dashboardHandler := api.NewDashboardHandler(app.optimizer, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", analysisHandler.Analyze)
		r.Post("/analyze/batch", analysisHandler.AnalyzeBatch)

		// Read-only counters for the external dashboard
		r.Get("/dashboard", dashboardHandler.Dashboard)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
