package xion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payxpay/payxpay/internal/circuitbreaker"
	"github.com/payxpay/payxpay/internal/logging"
	"github.com/payxpay/payxpay/internal/retry"
)

const testHash = "9F86D081884C7D659A2FEAA0C55AD015A3BF4F1B2B0B822CD15D6C15B0F00A08"

func txJSON(hash string, code int) string {
	return `{"tx_response":{"height":"1234","txhash":"` + hash + `","code":` + itoa(code) + `,"raw_log":"",` +
		`"timestamp":"2024-05-01T10:00:05Z","events":[{"type":"transfer","attributes":[` +
		`{"key":"recipient","value":"` + issuerAdr + `","index":true},` +
		`{"key":"sender","value":"` + payerAdr + `","index":true},` +
		`{"key":"amount","value":"1000` + testUSDC + `","index":true}]}]}}`
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL,
		WithRetry(retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}),
		WithBreaker(circuitbreaker.New(10, time.Minute)),
		WithLogger(logging.Discard()),
	)
}

func TestClient_GetTransaction(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cosmos/tx/v1beta1/txs/"+testHash, r.URL.Path)
		_, _ = w.Write([]byte(txJSON(testHash, 0)))
	}))

	tx, err := c.GetTransaction(context.Background(), "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08")
	require.NoError(t, err)
	assert.Equal(t, testHash, tx.Hash)
	assert.Equal(t, int64(1234), tx.Height)
	assert.True(t, tx.Succeeded())
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC), tx.Timestamp)
	got, ok := tx.ReceivedBy(issuerAdr, testUSDC)
	assert.True(t, ok)
	assert.Equal(t, "1000", got.String())
}

func TestClient_GetTransaction_NotFound(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":5,"message":"tx not found: ` + testHash + `","details":[]}`))
	}))

	_, err := c.GetTransaction(context.Background(), testHash)
	assert.ErrorIs(t, err, ErrTxNotFound)
	assert.Equal(t, int32(1), calls.Load(), "404 is not retried")
}

func TestClient_GetTransaction_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(txJSON(testHash, 0)))
	}))

	tx, err := c.GetTransaction(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, testHash, tx.Hash)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Account(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cosmos/auth/v1beta1/accounts/"+issuerAdr, r.URL.Path)
		_, _ = w.Write([]byte(`{"account":{"@type":"/cosmos.auth.v1beta1.BaseAccount","address":"` + issuerAdr +
			`","account_number":"42","sequence":"7"}}`))
	}))

	acct, err := c.Account(context.Background(), issuerAdr)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), acct.AccountNumber)
	assert.Equal(t, uint64(7), acct.Sequence)
}

func TestClient_Broadcast(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BROADCAST_MODE_SYNC", body["mode"])
		assert.Equal(t, "AQID", body["tx_bytes"])
		_, _ = w.Write([]byte(`{"tx_response":{"txhash":"` + testHash + `","code":0}}`))
	}))

	res, err := c.Broadcast(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, testHash, res.TxHash)
	assert.Zero(t, res.Code)
}

func TestClient_WaitForTx(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(txJSON(testHash, 0)))
	}))

	tx, err := c.WaitForTx(context.Background(), testHash, time.Millisecond, 5)
	require.NoError(t, err)
	assert.Equal(t, testHash, tx.Hash)

	calls.Store(-100)
	_, err = c.WaitForTx(context.Background(), testHash, time.Millisecond, 2)
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestClient_BreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	breaker := circuitbreaker.New(2, time.Minute)
	c := NewClient(srv.URL,
		WithRetry(retry.Policy{Attempts: 1}),
		WithBreaker(breaker),
		WithLogger(logging.Discard()),
	)

	for i := 0; i < 2; i++ {
		_, err := c.GetTransaction(context.Background(), testHash)
		require.Error(t, err)
	}
	_, err := c.GetTransaction(context.Background(), testHash)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}
