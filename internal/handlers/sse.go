package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pricealert/internal/logger"
	"pricealert/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultHeartbeat = 15 * time.Second

var sseClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "sse_clients",
		Help: "Number of connected alert stream clients",
	},
)

func init() {
	prometheus.MustRegister(sseClients)
}

// Subscription yields messages published on a Redis channel.
type Subscription interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
}

// Hub fans fired alerts out to every connected SSE client.
type Hub struct {
	mu        sync.Mutex
	clients   map[chan []byte]struct{}
	heartbeat time.Duration
	now       func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[chan []byte]struct{}),
		heartbeat: defaultHeartbeat,
		now:       time.Now,
	}
}

// Relay forwards every alert received on sub to the clients until ctx is
// cancelled.
func (h *Hub) Relay(ctx context.Context, sub Subscription) {
	logger.Log.Info("Starting to listen for alerts from Redis")
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			logger.Log.Error("Error receiving message from Redis", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var alert models.AlertMessage
		if err := json.Unmarshal([]byte(msg.Payload), &alert); err != nil {
			logger.Log.Error("Error unmarshaling alert message", zap.Error(err))
			continue
		}
		logger.Log.Debug("Received alert from Redis",
			zap.String("symbol", alert.Symbol),
			zap.String("triggered", alert.Triggered),
		)
		h.Broadcast([]byte(msg.Payload))
	}
}

// Broadcast sends payload to every client. A client whose buffer is full
// misses the alert.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			logger.Log.Warn("Alert dropped due to slow client")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() chan []byte {
	ch := make(chan []byte, 10)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	sseClients.Inc()
	logger.Log.Info("New SSE client connected", zap.Int("total_clients", n))
	return ch
}

func (h *Hub) unregister(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	n := len(h.clients)
	h.mu.Unlock()
	sseClients.Dec()
	logger.Log.Info("SSE client disconnected", zap.Int("total_clients", n))
}

// StreamAlertsHandler streams fired alerts as server-sent events. An event
// carrying only a timestamp is sent as heartbeat.
func (h *Hub) StreamAlertsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := h.register()
	defer h.unregister(ch)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", payload)
		case <-heartbeat.C:
			beat, _ := json.Marshal(models.AlertMessage{Timestamp: h.now().Format(time.RFC3339)})
			fmt.Fprintf(w, "data: %s\n\n", beat)
		}
		flusher.Flush()
	}
}
