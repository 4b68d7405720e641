package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var sample = models.Assignment{RequestID: "R1", ClientID: "C1", DriverID: "D1", Location: models.Point{X: 2, Y: 2}}

func TestWebhookNotifier(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), sample))
	body := <-got
	assert.Equal(t, "dispatch.assigned", body["type"])
	assert.Equal(t, "R1", body["request_id"])
	assert.Equal(t, "D1", body["driver_id"])
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), sample)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

// wsPair serves one websocket, registers it for D1 and returns the client end.
func wsPair(t *testing.T, reg *WSRegistry) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("D1", c)
		close(ready)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	<-ready
	return client
}

func TestWSRegistry_Notify(t *testing.T) {
	reg := NewWSRegistry()
	assert.ErrorIs(t, reg.Notify(context.Background(), sample), ErrNoSession)

	client := wsPair(t, reg)
	require.True(t, reg.Connected("D1"))
	require.NoError(t, reg.Notify(context.Background(), sample))

	var msg map[string]any
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, "dispatch.assigned", msg["type"])
	assert.Equal(t, "C1", msg["client_id"])
}

func TestWSRegistry_RemoveKeepsNewerSession(t *testing.T) {
	reg := NewWSRegistry()
	wsPair(t, reg)
	reg.mu.RLock()
	current := reg.sessions["D1"].conn
	reg.mu.RUnlock()

	reg.Remove("D1", &websocket.Conn{})
	assert.True(t, reg.Connected("D1"))
	reg.Remove("D1", current)
	assert.False(t, reg.Connected("D1"))
}

type recordingNotifier struct {
	got []models.Assignment
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, a models.Assignment) error {
	r.got = append(r.got, a)
	return r.err
}

func TestPushNotifier_FallsBackWithoutSession(t *testing.T) {
	fb := &recordingNotifier{}
	p := NewPushNotifier(NewWSRegistry(), fb)
	require.NoError(t, p.Notify(context.Background(), sample))
	assert.Equal(t, []models.Assignment{sample}, fb.got)
}

func TestPushNotifier_PrefersSocket(t *testing.T) {
	reg := NewWSRegistry()
	wsPair(t, reg)
	fb := &recordingNotifier{}
	require.NoError(t, NewPushNotifier(reg, fb).Notify(context.Background(), sample))
	assert.Empty(t, fb.got)
}

func TestPushNotifier_FallbackError(t *testing.T) {
	boom := errors.New("push down")
	err := NewPushNotifier(NewWSRegistry(), &recordingNotifier{err: boom}).Notify(context.Background(), sample)
	assert.ErrorIs(t, err, boom)

	err = NewPushNotifier(NewWSRegistry(), nil).Notify(context.Background(), sample)
	assert.ErrorIs(t, err, ErrNoSession)
}
