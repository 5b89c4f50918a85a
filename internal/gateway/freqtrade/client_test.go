package freqtrade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"warden/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.FreqtradeConfig{Enabled: true, APIURL: srv.URL + "/api/v1", APIToken: "tok"})
	require.NoError(t, err)
	return c
}

func TestForceEnter(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/forceenter", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"trade_id": 17}`))
	})
	id, err := c.ForceEnter(context.Background(), EnterRequest{
		Pair:        "BTC/USDT:USDT",
		Side:        "long",
		StakeAmount: 250.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 17, id)
	assert.Equal(t, "BTC/USDT:USDT", body["pair"])
	assert.Equal(t, "long", body["side"])
	assert.Equal(t, 250.5, body["stakeamount"])
}

func TestForceEnter_ErrorDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Error entering long trade for pair BTC/USDT:USDT."}`))
	})
	_, err := c.ForceEnter(context.Background(), EnterRequest{Pair: "BTC/USDT:USDT", Side: "long"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error entering long trade")
}

func TestOpenTradesAndForceExit(t *testing.T) {
	var exitBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/status":
			_, _ = w.Write([]byte(`[{"trade_id":3,"pair":"ETH/USDT:USDT","is_short":false},{"trade_id":4,"pair":"BTC/USDT:USDT","is_short":true}]`))
		case "/api/v1/forceexit":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&exitBody))
			_, _ = w.Write([]byte(`{"result":"Created exit order for trade 3."}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	trades, err := c.OpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, OpenTrade{TradeID: 4, Pair: "BTC/USDT:USDT", IsShort: true}, trades[1])

	require.NoError(t, c.ForceExit(context.Background(), 3))
	assert.Equal(t, "3", exitBody["tradeid"])
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"pong"}`))
	})
	assert.NoError(t, c.Ping(context.Background()))
}

func TestNewClient_Disabled(t *testing.T) {
	_, err := NewClient(config.FreqtradeConfig{})
	assert.Error(t, err)
}
