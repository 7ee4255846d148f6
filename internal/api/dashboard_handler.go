package api

import (
	"log/slog"
	"net/http"

	"github.com/mailsift/mailsift/internal/api/shared"
	"github.com/mailsift/mailsift/internal/cache"
	"github.com/mailsift/mailsift/internal/metrics"
	"github.com/mailsift/mailsift/internal/ratelimit"
)

// Monitor is the read-only counters surface the dashboard consumes. It
// defines no behavior inside the core.
type Monitor interface {
	Metrics() metrics.Snapshot
	Quota() ratelimit.QuotaState
	CacheStats() cache.Stats
}

// DashboardResponse bundles every counter surface in one payload.
type DashboardResponse struct {
	Metrics metrics.Snapshot     `json:"metrics"`
	Quota   ratelimit.QuotaState `json:"quota"`
	Cache   cache.Stats          `json:"cache"`
}

// DashboardHandler serves the read-only performance counters.
type DashboardHandler struct {
	monitor Monitor
	logger  *slog.Logger
}

// NewDashboardHandler creates a DashboardHandler.
func NewDashboardHandler(monitor Monitor, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{
		monitor: monitor,
		logger:  logger.With("component", "dashboard_handler"),
	}
}

// Dashboard handles GET /api/dashboard.
func (h *DashboardHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, DashboardResponse{
		Metrics: h.monitor.Metrics(),
		Quota:   h.monitor.Quota(),
		Cache:   h.monitor.CacheStats(),
	})
}
