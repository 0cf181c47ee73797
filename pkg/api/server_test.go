package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devhyun/dexflow/pkg/notify"
	"github.com/devhyun/dexflow/pkg/order"
	"github.com/devhyun/dexflow/pkg/queue"
	"github.com/devhyun/dexflow/pkg/storage"
)

type fixture struct {
	store  storage.Store
	queue  *queue.Queue
	bus    *notify.Bus
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Dispatch never started: admission only persists the job record here.
	q, err := queue.Open(t.TempDir(), time.Second, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	bus := notify.NewBus()
	s := NewServer(store, q, bus, 3, zap.NewNop().Sugar())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &fixture{store: store, queue: q, bus: bus, server: ts}
}

func (f *fixture) post(t *testing.T, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+"/api/v1/orders", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitValidOrder(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, SubmitOrderRequest{Type: "MARKET", TokenIn: "SOL", TokenOut: "USDC", Amount: 2.5})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ack := decode[SubmitOrderResponse](t, resp)

	assert.NotEmpty(t, ack.OrderID)
	assert.Equal(t, "pending", ack.Status)
	assert.Equal(t, "Order queued", ack.Message)

	// Immediately retrievable with status pending and its initial log entry.
	o, err := f.store.Get(ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, []string{"Order received"}, o.Logs)

	// Exactly one job persisted for it.
	assert.Equal(t, 1, f.queue.Len())
}

func TestSubmitAssignsUniqueIDs(t *testing.T) {
	f := newFixture(t)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		resp := f.post(t, SubmitOrderRequest{Type: "MARKET", TokenIn: "SOL", TokenOut: "USDC", Amount: 1})
		ack := decode[SubmitOrderResponse](t, resp)
		require.False(t, seen[ack.OrderID], "duplicate id %s", ack.OrderID)
		seen[ack.OrderID] = true
	}
}

func TestRejectInvalidOrderKind(t *testing.T) {
	f := newFixture(t)

	for _, kind := range []string{"LIMIT", "market", ""} {
		resp := f.post(t, SubmitOrderRequest{Type: kind, TokenIn: "SOL", TokenOut: "USDC", Amount: 1})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		e := decode[ErrorResponse](t, resp)
		assert.Equal(t, CodeInvalidOrderKind, e.Code)
	}

	// Rejections leave no trace: no records, no jobs.
	orders, err := f.store.List(0)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 0, f.queue.Len())
}

func TestRejectInvalidAmount(t *testing.T) {
	f := newFixture(t)

	for _, amount := range []float64{0, -1, -0.001} {
		resp := f.post(t, SubmitOrderRequest{Type: "MARKET", TokenIn: "SOL", TokenOut: "USDC", Amount: amount})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		e := decode[ErrorResponse](t, resp)
		assert.Equal(t, CodeInvalidAmount, e.Code)
	}

	orders, err := f.store.List(0)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 0, f.queue.Len())
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, SubmitOrderRequest{Type: "MARKET", TokenIn: "BTC", TokenOut: "USDC", Amount: 0.5})
	ack := decode[SubmitOrderResponse](t, resp)

	getResp, err := http.Get(f.server.URL + "/api/v1/orders/" + ack.OrderID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	o := decode[order.Order](t, getResp)
	assert.Equal(t, ack.OrderID, o.ID)
	assert.Equal(t, "BTC", o.AssetIn)
	assert.Equal(t, order.StatusPending, o.Status)
}

func TestGetUnknownOrder(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/api/v1/orders/no-such-id")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	e := decode[ErrorResponse](t, resp)
	assert.Equal(t, CodeNotFound, e.Code)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.post(t, SubmitOrderRequest{Type: "MARKET", TokenIn: "SOL", TokenOut: "USDC", Amount: 1})
	}

	resp, err := http.Get(f.server.URL + "/api/v1/orders?limit=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	orders := decode[[]order.Order](t, resp)
	assert.Len(t, orders, 2)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOrderFeedStreamsTransitions(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/orders/o-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the feed a moment to register its subscription.
	require.Eventually(t, func() bool {
		return f.bus.NumSubscribers("o-1") == 1
	}, time.Second, 5*time.Millisecond)

	sent := notify.Event{
		OrderID:   "o-1",
		Status:    order.StatusBuilding,
		Log:       "Selected Raydium @ $145.12",
		Venue:     "Raydium",
		Price:     145.12,
		Timestamp: time.Now().UTC(),
	}
	f.bus.Publish(sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notify.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sent.OrderID, got.OrderID)
	assert.Equal(t, sent.Status, got.Status)
	assert.Equal(t, sent.Log, got.Log)
	assert.Equal(t, sent.Venue, got.Venue)
	assert.Equal(t, sent.Price, got.Price)
}

func TestOrderFeedForUnknownOrderIsSilent(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/orders/ghost"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err) // deadline, nothing arrived
}
