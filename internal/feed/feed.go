// Package feed turns external market data into price ticks.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricealert/internal/models"
)

// TickSink accepts ticks from a feed. The match engine and the Kafka
// publisher both implement it.
type TickSink interface {
	Submit(ctx context.Context, tick models.Tick) error
}

// PriceUpdate is the message format on the price.updates topic.
type PriceUpdate struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
}

// EncodeTick renders tick as a PriceUpdate message.
func EncodeTick(tick models.Tick) ([]byte, error) {
	return json.Marshal(PriceUpdate{
		Exchange:  tick.Exchange,
		Symbol:    tick.Instrument,
		Price:     tick.Price,
		Timestamp: tick.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// DecodePriceUpdate parses a PriceUpdate message. A missing or unparsable
// timestamp is replaced by now.
func DecodePriceUpdate(data []byte, now time.Time) (models.Tick, error) {
	var u PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return models.Tick{}, fmt.Errorf("decode price update: %w", err)
	}
	if u.Symbol == "" {
		return models.Tick{}, errors.New("price update without symbol")
	}
	ts, err := time.Parse(time.RFC3339Nano, u.Timestamp)
	if err != nil {
		ts = now
	}
	return models.Tick{
		Exchange:   u.Exchange,
		Instrument: u.Symbol,
		Price:      u.Price,
		Timestamp:  ts,
	}, nil
}
