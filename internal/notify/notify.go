package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pricealert/internal/cache"
	"pricealert/internal/logger"
	"pricealert/internal/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	notificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of alert notifications delivered",
		},
		[]string{"direction"},
	)
	notificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Total number of alert notifications that could not be delivered",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(notificationsSentTotal)
	prometheus.MustRegister(notificationFailuresTotal)
}

// Sender delivers a chat message to a recipient.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// Publisher broadcasts fired alerts to other services.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Dispatcher turns matches into chat notifications.
type Dispatcher struct {
	sender    Sender
	publisher Publisher // optional
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(sender Sender, publisher Publisher) *Dispatcher {
	return &Dispatcher{sender: sender, publisher: publisher, now: time.Now}
}

// Notify sends the alert for m and publishes it on cache.AlertsChannel.
// Delivery failures are logged and counted here and returned for the
// caller's information only.
func (d *Dispatcher) Notify(ctx context.Context, m models.Match) error {
	err := d.sender.Send(ctx, m.User, FormatAlert(m))
	if err != nil {
		notificationFailuresTotal.WithLabelValues(m.Direction.String()).Inc()
		logger.Log.Error("Failed to send alert",
			zap.String("user_id", m.User),
			zap.String("symbol", m.Instrument),
			zap.Error(err),
		)
	} else {
		notificationsSentTotal.WithLabelValues(m.Direction.String()).Inc()
		logger.Log.Info("Alert sent",
			zap.String("user_id", m.User),
			zap.String("symbol", m.Instrument),
			zap.String("direction", m.Direction.String()),
			zap.Float64("price", m.Price),
		)
	}

	d.broadcast(ctx, m)
	if err != nil {
		return fmt.Errorf("notify user %s: %w", m.User, err)
	}
	return nil
}

func (d *Dispatcher) broadcast(ctx context.Context, m models.Match) {
	if d.publisher == nil {
		return
	}
	alert := models.AlertMessage{
		ID:        uuid.New().String(),
		UserID:    m.User,
		Symbol:    m.Instrument,
		Price:     m.Price,
		Threshold: m.Threshold,
		Triggered: strings.ToLower(m.Direction.String()),
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		logger.Log.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if err := d.publisher.Publish(ctx, cache.AlertsChannel, payload); err != nil {
		logger.Log.Warn("Failed to publish alert to Redis",
			zap.String("symbol", m.Instrument),
			zap.Error(err),
		)
	}
}

// FormatAlert renders the notification text. The second line is the delete
// command for the instrument, ready to tap.
func FormatAlert(m models.Match) string {
	return fmt.Sprintf("%s - Price %s $%s\n/delete_%s",
		m.Instrument, m.Direction, FormatPrice(m.Price), m.Instrument)
}

// FormatPrice prints the shortest decimal form of a price, without exponent.
func FormatPrice(p float64) string {
	return decimal.NewFromFloat(p).String()
}
