package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pricealert/internal/cache"
	"pricealert/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	recipient, text string
	err             error
}

func (f *fakeSender) Send(_ context.Context, recipient, text string) error {
	f.recipient, f.text = recipient, text
	return f.err
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	f.channel, f.payload = channel, payload
	return f.err
}

func TestFormatAlert(t *testing.T) {
	assert.Equal(t, "BTCUSDT - Price Above $50000\n/delete_BTCUSDT",
		FormatAlert(models.Match{Instrument: "BTCUSDT", Price: 50000, Direction: models.Above}))
	assert.Equal(t, "ETHUSDT - Price Below $1999.5\n/delete_ETHUSDT",
		FormatAlert(models.Match{Instrument: "ETHUSDT", Price: 1999.5, Direction: models.Below}))
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "0.00001234", FormatPrice(0.00001234))
	assert.Equal(t, "100000000", FormatPrice(1e8))
}

func TestNotify_SendsAndPublishes(t *testing.T) {
	sender := &fakeSender{}
	pub := &fakePublisher{}
	d := NewDispatcher(sender, pub)
	d.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	m := models.Match{User: "42", Instrument: "BTCUSDT", Price: 50001, Threshold: 50000, Direction: models.Above}
	require.NoError(t, d.Notify(context.Background(), m))

	assert.Equal(t, "42", sender.recipient)
	assert.Equal(t, "BTCUSDT - Price Above $50001\n/delete_BTCUSDT", sender.text)

	assert.Equal(t, cache.AlertsChannel, pub.channel)
	var alert models.AlertMessage
	require.NoError(t, json.Unmarshal(pub.payload, &alert))
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, "42", alert.UserID)
	assert.Equal(t, "above", alert.Triggered)
	assert.Equal(t, 50000.0, alert.Threshold)
	assert.Equal(t, "2026-01-02T03:04:05Z", alert.Timestamp)
}

func TestNotify_DeliveryFailureReported(t *testing.T) {
	sender := &fakeSender{err: errors.New("Forbidden: bot was blocked by the user")}
	pub := &fakePublisher{}
	d := NewDispatcher(sender, pub)

	err := d.Notify(context.Background(), models.Match{User: "9", Instrument: "SOLUSDT", Price: 1, Direction: models.Below})
	assert.ErrorContains(t, err, "blocked")
	assert.NotEmpty(t, pub.payload)
}

func TestNotify_PublishFailureIgnored(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, &fakePublisher{err: errors.New("redis down")})
	assert.NoError(t, d.Notify(context.Background(), models.Match{User: "1", Instrument: "X", Price: 1}))

	d = NewDispatcher(&fakeSender{}, nil)
	assert.NoError(t, d.Notify(context.Background(), models.Match{User: "1", Instrument: "X", Price: 1}))
}
