package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCorruptEntry marks a persisted alert set that is not valid JSON.
var ErrCorruptEntry = errors.New("corrupt alert entry")

// Direction selects the bucket and the crossing comparison of a threshold.
type Direction int

const (
	Above Direction = iota
	Below
)

// Directions lists every direction in the order buckets are scanned.
var Directions = []Direction{Above, Below}

// Bucket returns the persisted bucket name for the direction.
func (d Direction) Bucket() string {
	if d == Below {
		return "alert_below"
	}
	return "alert_above"
}

func (d Direction) String() string {
	if d == Below {
		return "Below"
	}
	return "Above"
}

// Crossed reports whether a live price has crossed the threshold.
// An Above alert fires once the price has risen to meet or exceed it,
// a Below alert once it has fallen to meet or go under it.
func (d Direction) Crossed(threshold, price float64) bool {
	if d == Below {
		return threshold >= price
	}
	return threshold <= price
}

// UserAlertSet maps an instrument symbol to a threshold price, for one user
// and one direction.
type UserAlertSet map[string]float64

// NormalizeSymbol upper-cases a user supplied instrument symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// DecodeAlertSet parses a persisted alert set. Null prices are dropped so an
// unparsable price stored by an older writer never behaves as a zero threshold.
func DecodeAlertSet(raw string) (UserAlertSet, error) {
	var decoded map[string]*float64
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	set := make(UserAlertSet, len(decoded))
	for symbol, price := range decoded {
		if price != nil {
			set[symbol] = *price
		}
	}
	return set, nil
}

// Encode serializes the set for storage.
func (s UserAlertSet) Encode() (string, error) {
	if s == nil {
		s = UserAlertSet{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Tick is one price observation from the market data feed.
type Tick struct {
	Exchange   string    `json:"exchange"`
	Instrument string    `json:"symbol"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// Match is a registered threshold crossed by a tick.
type Match struct {
	User       string
	Instrument string
	Price      float64
	Threshold  float64
	Direction  Direction
}

// AlertMessage is the event published for every fired alert and streamed to
// SSE clients.
type AlertMessage struct {
	ID        string  `json:"id,omitempty"`
	UserID    string  `json:"user_id"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Threshold float64 `json:"threshold"`
	Triggered string  `json:"triggered"` // "above" or "below"
	Timestamp string  `json:"timestamp"`
}
