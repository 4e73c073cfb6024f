package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/common"
	"meridian/internal/dispatch"
	"meridian/internal/engine"
	"meridian/internal/metrics"
)

func setupGateway(t *testing.T) (*engine.Engine, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := engine.DefaultConfig()
	cfg.Workers = 2
	cfg.DispatchMode = dispatch.Sync
	cfg.Metrics = metrics.New(reg)

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start())

	ts := httptest.NewServer(NewServer(eng, "127.0.0.1", 0, reg).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = eng.Stop(context.Background())
	})
	return eng, ts
}

func do(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func placeOrder(t *testing.T, ts *httptest.Server, req orderRequest) string {
	t.Helper()
	status, body := do(t, http.MethodPost, ts.URL+"/orders", req)
	require.Equal(t, http.StatusAccepted, status, string(body))
	var resp map[string]string
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp["id"]
}

func waitIdle(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.WaitIdle(ctx))
}

func TestGateway_OrderLifecycle(t *testing.T) {
	eng, ts := setupGateway(t)

	bid := placeOrder(t, ts, orderRequest{Symbol: "aapl", Side: "buy", Price: "10.00", Quantity: "50"})
	ask := placeOrder(t, ts, orderRequest{ID: "ask-1", Symbol: "AAPL", Side: "sell", Price: "10.50", Quantity: "80"})
	assert.Equal(t, "ask-1", ask)
	waitIdle(t, eng)

	status, body := do(t, http.MethodGet, ts.URL+"/depth/AAPL?levels=5", nil)
	require.Equal(t, http.StatusOK, status)
	var depth common.Depth
	require.NoError(t, json.Unmarshal(body, &depth))
	assert.Equal(t, "AAPL", depth.Symbol)
	assert.Equal(t, []common.Level{{Price: common.MustPrice("10"), Quantity: common.MustQuantity("50"), Orders: 1}}, depth.Bids)
	assert.Equal(t, []common.Level{{Price: common.MustPrice("10.5"), Quantity: common.MustQuantity("80"), Orders: 1}}, depth.Asks)

	status, body = do(t, http.MethodGet, ts.URL+"/orders/AAPL/"+bid, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"status":"pending"`)

	// Reprice the ask through the bid.
	status, body = do(t, http.MethodPatch, ts.URL+"/orders/AAPL/"+ask, map[string]string{"price": "10", "quantity": "80"})
	require.Equal(t, http.StatusOK, status, string(body))
	var amended struct {
		Order  orderJSON      `json:"order"`
		Trades []common.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(body, &amended))
	require.Len(t, amended.Trades, 1)
	assert.Equal(t, common.MustQuantity("50"), amended.Trades[0].Quantity)
	assert.Equal(t, "partially-filled", amended.Order.Status)
	assert.Equal(t, common.MustQuantity("30"), amended.Order.Remaining)

	status, body = do(t, http.MethodDelete, ts.URL+"/orders/AAPL/"+ask, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"remaining":"30"`)
	assert.Contains(t, string(body), `"status":"cancelled"`)

	status, _ = do(t, http.MethodDelete, ts.URL+"/orders/AAPL/"+ask, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = do(t, http.MethodGet, ts.URL+"/stats", nil)
	require.Equal(t, http.StatusOK, status)
	var stats common.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, uint64(1), stats.TradesExecuted)
	assert.Equal(t, uint64(1), stats.Cancels)
}

func TestGateway_Errors(t *testing.T) {
	eng, ts := setupGateway(t)

	tests := []struct {
		name string
		req  orderRequest
	}{
		{"bad side", orderRequest{Symbol: "AAPL", Side: "up", Price: "10", Quantity: "1"}},
		{"bad type", orderRequest{Symbol: "AAPL", Side: "buy", Type: "stop", Price: "10", Quantity: "1"}},
		{"bad price", orderRequest{Symbol: "AAPL", Side: "buy", Price: "ten", Quantity: "1"}},
		{"too precise", orderRequest{Symbol: "AAPL", Side: "buy", Price: "10.000001", Quantity: "1"}},
		{"zero quantity", orderRequest{Symbol: "AAPL", Side: "buy", Price: "10", Quantity: "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := do(t, http.MethodPost, ts.URL+"/orders", tt.req)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}

	status, _ := do(t, http.MethodGet, ts.URL+"/depth/AAPL?levels=x", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = do(t, http.MethodGet, ts.URL+"/orders/AAPL/none", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// Market orders need no price.
	placeOrder(t, ts, orderRequest{Symbol: "AAPL", Side: "sell", Price: "10", Quantity: "1"})
	placeOrder(t, ts, orderRequest{Symbol: "AAPL", Side: "buy", Type: "market", Quantity: "1"})
	waitIdle(t, eng)
	assert.Equal(t, uint64(1), eng.Stats().TradesExecuted)

	require.NoError(t, eng.Stop(context.Background()))
	status, _ = do(t, http.MethodPost, ts.URL+"/orders", orderRequest{Symbol: "AAPL", Side: "buy", Price: "10", Quantity: "1"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestGateway_Metrics(t *testing.T) {
	_, ts := setupGateway(t)
	placeOrder(t, ts, orderRequest{Symbol: "AAPL", Side: "buy", Price: "10", Quantity: "1"})

	status, body := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "meridian_orders_accepted_total 1")
}

func TestServer_RunStopsWithContext(t *testing.T) {
	eng, err := engine.New(engine.DefaultConfig())
	require.NoError(t, err)
	s := NewServer(eng, "127.0.0.1", 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Contains(t, s.String(), "127.0.0.1")
}
