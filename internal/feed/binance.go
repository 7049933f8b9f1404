package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pricealert/internal/logger"
	"pricealert/internal/models"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultBinanceURL streams the mini ticker of every symbol, once a second.
const DefaultBinanceURL = "wss://stream.binance.com:9443/ws/!miniTicker@arr"

const (
	exchangeBinance = "binance"

	// Close prices with a larger decimal exponent are dropped before the
	// float conversion.
	maxPriceExponent = 64
)

var (
	feedReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total number of market data reconnect attempts",
		},
	)
	feedMalformedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_malformed_total",
			Help: "Total number of market data frames or elements that could not be parsed",
		},
	)
)

func init() {
	prometheus.MustRegister(feedReconnectsTotal)
	prometheus.MustRegister(feedMalformedTotal)
}

// miniTicker is one element of a !miniTicker@arr frame.
type miniTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// Binance reads the all-market mini ticker stream.
type Binance struct {
	url        string
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

func NewBinance(url string) *Binance {
	if url == "" {
		url = DefaultBinanceURL
	}
	return &Binance{
		url:        url,
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		now:        time.Now,
	}
}

// sinkError marks a tick the sink refused. The stream stops instead of
// redialing.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "submit tick: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// Run streams ticks into sink until ctx is cancelled, redialing after every
// connection failure. It returns nil on cancellation and the sink's error
// when the sink stops accepting ticks.
func (b *Binance) Run(ctx context.Context, sink TickSink) error {
	for {
		conn, err := b.connect(ctx)
		if err != nil {
			return nil
		}
		err = b.read(ctx, conn, sink)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		var serr *sinkError
		if errors.As(err, &serr) {
			return serr
		}
		logger.Log.Warn("Binance stream interrupted, reconnecting", zap.Error(err))
	}
}

// connect dials with exponential backoff. It only fails when ctx is done.
func (b *Binance) connect(ctx context.Context) (*websocket.Conn, error) {
	backoff := b.minBackoff
	for {
		logger.Log.Info("Connecting to Binance WebSocket", zap.String("url", b.url))
		conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
		if err == nil {
			logger.Log.Info("Connected to Binance WebSocket")
			return conn, nil
		}
		feedReconnectsTotal.Inc()
		logger.Log.Warn("WebSocket connection failed, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < b.maxBackoff {
			backoff *= 2
			if backoff > b.maxBackoff {
				backoff = b.maxBackoff
			}
		}
	}
}

func (b *Binance) read(ctx context.Context, conn *websocket.Conn, sink TickSink) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ticks, err := ParseMiniTickers(frame, b.now())
		if err != nil {
			feedMalformedTotal.Inc()
			logger.Log.Warn("Dropping malformed Binance frame", zap.Error(err))
			continue
		}
		for _, tick := range ticks {
			if err := sink.Submit(ctx, tick); err != nil {
				return &sinkError{err: err}
			}
		}
	}
}

// ParseMiniTickers fans a !miniTicker@arr frame out to one tick per element.
// Elements with an unparsable or out-of-range close price are dropped.
func ParseMiniTickers(frame []byte, now time.Time) ([]models.Tick, error) {
	var elements []miniTicker
	if err := json.Unmarshal(frame, &elements); err != nil {
		return nil, err
	}
	if elements == nil {
		return nil, errors.New("frame is not a ticker array")
	}

	ticks := make([]models.Tick, 0, len(elements))
	for _, el := range elements {
		price, err := decimal.NewFromString(el.Close)
		if err == nil && (price.Exponent() > maxPriceExponent || price.Exponent() < -maxPriceExponent) {
			err = errors.New("price exponent out of range")
		}
		if el.Symbol == "" || err != nil {
			feedMalformedTotal.Inc()
			logger.Log.Debug("Dropping malformed ticker element",
				zap.String("symbol", el.Symbol),
				zap.String("price", el.Close),
			)
			continue
		}
		ts := now
		if el.EventTime > 0 {
			ts = time.UnixMilli(el.EventTime)
		}
		ticks = append(ticks, models.Tick{
			Exchange:   exchangeBinance,
			Instrument: el.Symbol,
			Price:      price.InexactFloat64(),
			Timestamp:  ts,
		})
	}
	return ticks, nil
}
