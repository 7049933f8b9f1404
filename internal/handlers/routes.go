// Package handlers holds the HTTP surface of the alerts service.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"pricealert/internal/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Routes is everything the alerts service serves. Webhook is mounted at
// WebhookPath when set.
type Routes struct {
	Hub         *Hub
	Store       Pinger
	WebhookPath string
	Webhook     http.Handler
}

// NewMux registers the routes on a fresh ServeMux.
func NewMux(rt Routes) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/alerts/stream", rt.Hub.StreamAlertsHandler)
	mux.Handle("/healthz", HealthHandler(rt.Store))
	mux.Handle("/metrics", promhttp.Handler())
	if rt.Webhook != nil {
		mux.Handle(rt.WebhookPath, postOnly(rt.Webhook))
	}
	return mux
}

// HealthHandler answers 200 when the store answers a ping within two
// seconds and 503 otherwise.
func HealthHandler(store Pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := store.Ping(ctx); err != nil {
			logger.Log.Warn("Health check failed", zap.Error(err))
			status, code = "unavailable", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
}

func postOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}
