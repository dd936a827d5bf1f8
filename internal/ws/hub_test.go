package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/prediction-engine/internal/types"
)

func testHub(t *testing.T, feed chan types.Event, scale func(types.MarketID) int64) (*Hub, *websocket.Conn) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.TickerInterval = 20 * time.Millisecond
	h := NewHub(cfg, feed, log.NewNopLogger())
	h.Scale = scale

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return h, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WireMessage {
	t.Helper()
	var msg WireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSubscribeAndReceiveTrades(t *testing.T) {
	feed := make(chan types.Event, 16)
	_, conn := testHub(t, feed, nil)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Channel: "trades:1"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, "trades:1", msg.Channel)

	now := time.Now()
	feed <- types.Event{
		Seq:      1,
		MarketID: 1,
		Type:     types.EventTypeTrade,
		Trade: &types.Trade{
			ID: 7, MarketID: 1, Outcome: 0,
			Price: 60, Size: 100,
			TakerSide: types.SideBuy, Timestamp: now,
		},
	}

	msg = readMessage(t, conn)
	assert.Equal(t, "trade", msg.Type)
	assert.Equal(t, "trades:1", msg.Channel)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, float64(60), data["price"])
	assert.Equal(t, float64(100), data["size"])
	assert.Equal(t, "buy", data["taker_side"])
}

// Trades on other markets never leak across channels.
func TestChannelIsolation(t *testing.T) {
	feed := make(chan types.Event, 16)
	_, conn := testHub(t, feed, nil)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Channel: "events:2"}))
	readMessage(t, conn) // subscribed

	feed <- types.Event{Seq: 1, MarketID: 1, Type: types.EventTypeTrade, Trade: &types.Trade{ID: 1, MarketID: 1, Price: 50, Size: 1, Timestamp: time.Now()}}
	feed <- types.Event{Seq: 1, MarketID: 2, Type: types.EventTypeMarketStateChanged, State: types.MarketStateActive}

	msg := readMessage(t, conn)
	assert.Equal(t, "events:2", msg.Channel)
	assert.Equal(t, "market_state_changed", msg.Type)
}

func TestTickerCarriesImpliedProbability(t *testing.T) {
	feed := make(chan types.Event, 16)
	_, conn := testHub(t, feed, func(types.MarketID) int64 { return 100 })

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Channel: "ticker:1"}))
	readMessage(t, conn) // subscribed

	feed <- types.Event{
		Seq: 1, MarketID: 1, Type: types.EventTypeTrade,
		Trade: &types.Trade{ID: 1, MarketID: 1, Price: 60, Size: 100, Timestamp: time.Now()},
	}

	msg := readMessage(t, conn)
	assert.Equal(t, "ticker", msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, float64(60), data["last_price"])
	assert.Equal(t, float64(100), data["volume"])
	assert.Equal(t, "0.6000", data["probability"])
}

func TestPingPong(t *testing.T) {
	feed := make(chan types.Event)
	_, conn := testHub(t, feed, nil)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "ping"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "bogus"}))
	msg = readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	feed := make(chan types.Event, 16)
	_, conn := testHub(t, feed, nil)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Channel: "events:1"}))
	readMessage(t, conn) // subscribed
	require.NoError(t, conn.WriteJSON(clientMessage{Action: "unsubscribe", Channel: "events:1"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "unsubscribed", msg.Type)

	feed <- types.Event{Seq: 1, MarketID: 1, Type: types.EventTypeOrderAccepted}
	require.NoError(t, conn.WriteJSON(clientMessage{Action: "ping"}))
	msg = readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type, "got a frame after unsubscribing")
}
