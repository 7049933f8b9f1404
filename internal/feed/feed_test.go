package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pricealert/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMiniTickers(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	frame := []byte(`[
		{"e":"24hrMiniTicker","E":1709294400000,"s":"BTCUSDT","c":"61234.50000000","o":"60000.0"},
		{"e":"24hrMiniTicker","s":"ETHUSDT","c":"3400.1"},
		{"e":"24hrMiniTicker","E":1709294400000,"s":"BADUSDT","c":"n/a"},
		{"e":"24hrMiniTicker","E":1709294400000,"c":"1.0"},
		{"e":"24hrMiniTicker","E":1709294400000,"s":"HUGEUSDT","c":"1e9999999"}
	]`)

	ticks, err := ParseMiniTickers(frame, now)
	require.NoError(t, err)
	assert.Equal(t, []models.Tick{
		{Exchange: "binance", Instrument: "BTCUSDT", Price: 61234.5, Timestamp: time.UnixMilli(1709294400000)},
		{Exchange: "binance", Instrument: "ETHUSDT", Price: 3400.1, Timestamp: now},
	}, ticks)
}

func TestParseMiniTickers_BadFrames(t *testing.T) {
	for _, frame := range []string{`{"s":"BTCUSDT","c":"1"}`, `null`, `not json`} {
		_, err := ParseMiniTickers([]byte(frame), time.Now())
		assert.Error(t, err, frame)
	}

	ticks, err := ParseMiniTickers([]byte(`[]`), time.Now())
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestDecodePriceUpdate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tick, err := DecodePriceUpdate([]byte(`{"exchange":"binance","symbol":"BTCUSDT","price":50001,"timestamp":"2024-03-01T11:59:59Z"}`), now)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tick.Instrument)
	assert.Equal(t, 50001.0, tick.Price)
	assert.True(t, now.Add(-time.Second).Equal(tick.Timestamp))

	// Exchange-specific timestamp layouts fall back to the receive time.
	tick, err = DecodePriceUpdate([]byte(`{"exchange":"coinbase","symbol":"BTC-USD","price":1,"timestamp":"yesterday"}`), now)
	require.NoError(t, err)
	assert.True(t, now.Equal(tick.Timestamp))

	_, err = DecodePriceUpdate([]byte(`{"price":1}`), now)
	assert.Error(t, err)
	_, err = DecodePriceUpdate([]byte(`{`), now)
	assert.Error(t, err)
}

func TestEncodeTick(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := EncodeTick(models.Tick{Exchange: "binance", Instrument: "ETHUSDT", Price: 1999.5, Timestamp: ts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"exchange":"binance","symbol":"ETHUSDT","price":1999.5,"timestamp":"2024-03-01T12:00:00Z"}`, string(data))
}

type collector struct {
	mu    sync.Mutex
	ticks []models.Tick
	err   error
}

func (c *collector) Submit(_ context.Context, tick models.Tick) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.ticks = append(c.ticks, tick)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ticks)
}

// tickerServer writes one frame per connection and then hangs up, so
// the client has to redial to receive more.
func tickerServer(t *testing.T, frame string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBinanceRun_Reconnects(t *testing.T) {
	url := tickerServer(t, `[{"s":"BTCUSDT","c":"50000"},{"s":"ETHUSDT","c":"2000"}]`)
	b := NewBinance(url)
	b.minBackoff = time.Millisecond
	sink := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return sink.count() >= 4 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "BTCUSDT", sink.ticks[0].Instrument)
	assert.Equal(t, "ETHUSDT", sink.ticks[1].Instrument)
	assert.Equal(t, "BTCUSDT", sink.ticks[2].Instrument)
}

func TestBinanceRun_SinkClosed(t *testing.T) {
	url := tickerServer(t, `[{"s":"BTCUSDT","c":"50000"}]`)
	b := NewBinance(url)
	closed := errors.New("engine closed")
	sink := &collector{err: closed}

	err := b.Run(context.Background(), sink)
	assert.ErrorIs(t, err, closed)
}

func TestBinanceRun_CancelWhileDialing(t *testing.T) {
	b := NewBinance("ws://127.0.0.1:1/unreachable")
	b.minBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, b.Run(ctx, &collector{}))
}
