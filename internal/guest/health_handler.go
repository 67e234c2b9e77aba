// health_handler.go -- Health check handler for GET /health.
package guest

import (
	"encoding/json"
	"net/http"
)

// CheckHealth handles GET /health -- pings the database and Redis, returns per-dependency status.
// A nil checker reports "disabled" (memory backends). Returns 503 if any dependency is down.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := func(name string, c HealthChecker) string {
		if c == nil {
			return "disabled"
		}
		if err := c.CheckHealth(r.Context()); err != nil {
			logError(r, name+" health check failed", "error", err)
			return "error"
		}
		return "ok"
	}
	postgresStatus := status("postgres", h.DB)
	redisStatus := status("redis", h.Cache)

	w.Header().Set("Content-Type", "application/json")
	if redisStatus == "error" || postgresStatus == "error" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}
