package main

import (
	"encoding/json"
	"net/http"

	"github.com/rickgao/gatecord/internal/metrics"
	"github.com/rickgao/gatecord/internal/ratelimit"
	"github.com/rickgao/gatecord/internal/rest"
	"github.com/rickgao/gatecord/internal/supervisor"
	"github.com/rickgao/gatecord/internal/version"
)

// newHealthHandler serves health, metrics and debugging endpoints.
func newHealthHandler(metricsPath string, sup *supervisor.Supervisor, registry *ratelimit.Registry, mem *ratelimit.MemoryStats, d *rest.Dispatcher) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		shards := sup.Shards()

		health := struct {
			Status  string                   `json:"status"`
			Version string                   `json:"version"`
			Shards  []supervisor.ShardStatus `json:"shards"`
			Global  map[string]any           `json:"rate_limit"`
		}{
			Status:  "healthy",
			Version: version.Version,
			Shards:  shards,
			Global: map[string]any{
				"buckets":        registry.Len(),
				"queued":         d.Queued(),
				"global_blocked": registry.GlobalBlockedFor().String(),
			},
		}

		code := http.StatusOK
		switch {
		case len(sup.Failures()) == len(shards):
			health.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		case !sup.Healthy():
			health.Status = "degraded"
		}

		writeJSON(w, code, health)
	})

	mux.HandleFunc("/debug/buckets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Buckets []ratelimit.BucketState `json:"buckets"`
			Totals  ratelimit.Counters      `json:"totals"`
		}{
			Buckets: registry.Snapshot(),
			Totals:  mem.Total(),
		})
	})

	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.Handle(metricsPath, metrics.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
