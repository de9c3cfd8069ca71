package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aligntrack/portal-sync/internal/api/common"
	"github.com/aligntrack/portal-sync/internal/logger"
	"github.com/aligntrack/portal-sync/pkg/versions"
)

// HealthRouter creates a router for the health check endpoints.
func HealthRouter(deps Dependencies) http.Handler {
	routes := NewRoutes(deps)

	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/health/ready", routes.readinessHandler)
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles liveness requests
//
// @Summary		Health check
// @Description	Check if the sync service process is healthy
// @Tags		system
// @Produce		json
// @Success		200	{object}	map[string]string
// @Router		/health [get]
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler handles readiness requests
//
// @Summary		Readiness check
// @Description	Check if both the clinic database and the portal replica are reachable
// @Tags		system
// @Produce		json
// @Success		200	{object}	map[string]string
// @Failure		503	{object}	map[string]string
// @Router		/health/ready [get]
func (routes *Routes) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if err := routes.deps.Primary.Ping(r.Context()); err != nil {
		common.WriteErrorResponse(w, "primary store not ready: "+err.Error(),
			http.StatusServiceUnavailable)
		return
	}
	if err := routes.deps.Replica.Ping(r.Context()); err != nil {
		common.WriteErrorResponse(w, "replica store not ready: "+err.Error(),
			http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// versionHandler handles version information requests
//
// @Summary		Version information
// @Description	Get build information about the sync service
// @Tags		system
// @Produce		json
// @Success		200	{object}	map[string]string
// @Router		/version [get]
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	response := map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorf("Failed to encode version info: %v", err)
	}
}
