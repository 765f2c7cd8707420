// Package ops is the thin operator HTTP surface: manual cleanup trigger,
// schedule introspection and the health probe.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/marketbay/jobpipe/internal/cleanup"
)

type CleanupService interface {
	RunCleanup(ctx context.Context, olderThan time.Duration) (cleanup.Result, error)
	IsRunning() bool
	Interval() time.Duration
	RetentionAge() time.Duration
}

type ListenerStatus interface {
	Running() bool
}

func NewRouter(cl CleanupService, listener ListenerStatus, log *zap.Logger) http.Handler {
	rtr := chi.NewRouter()

	rtr.Post("/v1/cleanup", func(w http.ResponseWriter, r *http.Request) {
		olderThan := cl.RetentionAge()
		if raw := r.URL.Query().Get("olderThan"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid olderThan duration"})
				return
			}
			olderThan = d
		}
		res, err := cl.RunCleanup(r.Context(), olderThan)
		if err != nil {
			log.Error("manual cleanup", zap.String("run_id", res.RunID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	rtr.Get("/v1/cleanup/schedule", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"active":       cl.IsRunning(),
			"interval":     cl.Interval().String(),
			"retentionAge": cl.RetentionAge().String(),
		})
	})

	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"listener": listener.Running(),
			"cleanup":  cl.IsRunning(),
		}
		if !listener.Running() {
			body["status"] = "unhealthy"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["status"] = "ok"
		writeJSON(w, http.StatusOK, body)
	})

	return rtr
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
