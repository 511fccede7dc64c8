package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"prediction-rounds/internal/notify"
	"prediction-rounds/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, source Subscriber) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(source, observability.NopLogger(), observability.NewMetrics(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	router := gin.New()
	router.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == want }, time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHubRoutesByChannel(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url, 1)

	price := notify.PricePayload{Price: decimal.NewFromInt(150), Timestamp: time.Now()}
	require.NoError(t, hub.Deliver(context.Background(), notify.Message{
		Seq: 1, Type: notify.TypeRoundUpdate, Channel: notify.RoundChannel(9), Data: notify.RoundPayload{Event: "locked"},
	}))
	require.NoError(t, hub.Deliver(context.Background(), notify.Message{
		Seq: 2, Type: notify.TypePriceUpdate, Channel: notify.ChannelGlobal, Data: price,
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, "price_update", msg["type"])
	assert.EqualValues(t, 2, msg["seq"])
}

func TestHubRoomSubscriptionFromQuery(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url+"?round=9&wallet=abc", 1)

	require.NoError(t, hub.Deliver(context.Background(), notify.Message{
		Seq: 1, Type: notify.TypeRoundUpdate, Channel: notify.RoundChannel(9), Data: notify.RoundPayload{Event: "locked"},
	}))
	require.NoError(t, hub.Deliver(context.Background(), notify.Message{
		Seq: 2, Type: notify.TypePredictionUpdate, Channel: notify.UserChannel("abc"), Data: notify.PredictionPayload{Event: "claimed"},
	}))

	first := readMessage(t, conn)
	assert.Equal(t, "round:9", first["channel"])
	second := readMessage(t, conn)
	assert.Equal(t, "user:abc", second["channel"])
}

type chanSource struct {
	ch chan []byte
}

func (s chanSource) Subscribe(context.Context) (<-chan []byte, error) {
	return s.ch, nil
}

func TestHubRelaysFromSharedBus(t *testing.T) {
	src := chanSource{ch: make(chan []byte, 1)}
	hub, url := startHub(t, src)
	conn := dial(t, hub, url, 1)

	src.ch <- []byte(`{"seq":5,"type":"round_update","channel":"global","data":{"event":"opened"}}`)

	msg := readMessage(t, conn)
	assert.EqualValues(t, 5, msg["seq"])
	assert.Equal(t, "round_update", msg["type"])
}

func TestWildcardSubscription(t *testing.T) {
	c := &client{subs: map[string]bool{"round:*": true}}
	assert.True(t, c.isSubscribed("round:42"))
	assert.False(t, c.isSubscribed("user:42"))
}
