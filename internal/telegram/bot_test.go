package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pricealert/internal/commands"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123:abc"

type fakeAPI struct {
	mu      sync.Mutex
	sent    []string
	methods []string
	failing bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
	_ = r.ParseForm()

	f.mu.Lock()
	f.methods = append(f.methods, method)
	failing := f.failing
	if method == "sendMessage" && !failing {
		f.sent = append(f.sent, r.FormValue("chat_id")+": "+r.FormValue("text"))
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case method == "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Alerts","username":"price_alert_bot"}}`))
	case method == "sendMessage" && failing:
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	case method == "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (f *fakeAPI) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeAPI) calls() (methods, sent []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...), append([]string(nil), f.sent...)
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	bot, err := New(testToken, Options{Endpoint: srv.URL + "/bot%s/%s", Client: srv.Client()})
	require.NoError(t, err)
	return bot, api
}

func TestNew(t *testing.T) {
	bot, api := newTestBot(t)
	assert.Equal(t, "price_alert_bot", bot.Username())
	methods, _ := api.calls()
	assert.Equal(t, []string{"getMe"}, methods)
}

func TestSend(t *testing.T) {
	bot, api := newTestBot(t)

	require.NoError(t, bot.Send(context.Background(), "42", "BTCUSDT - Price Above $50000\n/delete_BTCUSDT"))
	_, sent := api.calls()
	assert.Equal(t, []string{"42: BTCUSDT - Price Above $50000\n/delete_BTCUSDT"}, sent)
}

func TestSend_Errors(t *testing.T) {
	bot, api := newTestBot(t)

	assert.Error(t, bot.Send(context.Background(), "not-a-chat", "hi"))

	api.setFailing(true)
	err := bot.Send(context.Background(), "42", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bot.Send(ctx, "42", "hi"), context.Canceled)
}

func TestSetWebhook(t *testing.T) {
	bot, api := newTestBot(t)

	require.NoError(t, bot.SetWebhook("https://alerts.example.com"+WebhookPath(testToken)))
	methods, _ := api.calls()
	assert.Contains(t, methods, "setWebhook")
}

func TestWebhookHandler(t *testing.T) {
	bot, _ := newTestBot(t)

	var got []commands.Message
	h := bot.WebhookHandler(func(_ context.Context, msg commands.Message) {
		got = append(got, msg)
	})

	body := `{"update_id":1,"message":{"message_id":3,"date":0,` +
		`"from":{"id":42,"is_bot":false,"first_name":"Alice","username":"alice"},` +
		`"chat":{"id":42,"type":"private"},"text":"/list"}}`
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, WebhookPath(testToken), strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []commands.Message{{ChatID: "42", Username: "alice", Text: "/list"}}, got)

	// Updates without text are acknowledged and ignored.
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, WebhookPath(testToken), strings.NewReader(`{"update_id":2}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, got, 1)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, WebhookPath(testToken), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
