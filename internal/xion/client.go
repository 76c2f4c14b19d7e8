package xion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/payxpay/payxpay/internal/circuitbreaker"
	"github.com/payxpay/payxpay/internal/metrics"
	"github.com/payxpay/payxpay/internal/retry"
	"github.com/payxpay/payxpay/internal/traces"
)

const breakerKey = "xion"

var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrAccountNotFound = errors.New("account not found")
)

// APIError is a non-2xx answer from the REST gateway.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xion rest: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// Account holds the signing counters of an on-chain account.
type Account struct {
	Address       string
	AccountNumber uint64
	Sequence      uint64
}

// BroadcastResult is the CheckTx outcome of a broadcast.
type BroadcastResult struct {
	TxHash string
	Code   uint32
	RawLog string
}

// Client talks to a Cosmos SDK REST gateway.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 10s-timeout HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker shares a circuit breaker with other upstream clients.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithRetry overrides the retry policy for reads.
func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the REST gateway at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		retry:   retry.Policy{Attempts: 3, BaseDelay: 300 * time.Millisecond},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type txEnvelope struct {
	TxResponse struct {
		Height    string  `json:"height"`
		TxHash    string  `json:"txhash"`
		Code      uint32  `json:"code"`
		RawLog    string  `json:"raw_log"`
		Timestamp string  `json:"timestamp"`
		Events    []Event `json:"events"`
	} `json:"tx_response"`
}

// GetTransaction fetches a committed tx by hash.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*Tx, error) {
	ctx, span := traces.StartSpan(ctx, "xion.GetTransaction", traces.TxHash(hash))
	defer span.End()

	var env txEnvelope
	err := c.getJSON(ctx, "get_tx", "/cosmos/tx/v1beta1/txs/"+url.PathEscape(strings.ToUpper(hash)), &env)
	if isStatus(err, http.StatusNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	r := env.TxResponse
	height, _ := strconv.ParseInt(r.Height, 10, 64)
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("tx %s: bad timestamp %q: %w", hash, r.Timestamp, err)
	}
	return &Tx{
		Hash:      r.TxHash,
		Height:    height,
		Code:      r.Code,
		RawLog:    r.RawLog,
		Timestamp: ts.UTC(),
		Events:    r.Events,
	}, nil
}

// Account fetches the account number and sequence of address.
func (c *Client) Account(ctx context.Context, address string) (*Account, error) {
	var env struct {
		Account struct {
			Address       string `json:"address"`
			AccountNumber string `json:"account_number"`
			Sequence      string `json:"sequence"`
		} `json:"account"`
	}
	err := c.getJSON(ctx, "get_account", "/cosmos/auth/v1beta1/accounts/"+url.PathEscape(address), &env)
	if isStatus(err, http.StatusNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	num, err := strconv.ParseUint(env.Account.AccountNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("account %s: bad account_number: %w", address, err)
	}
	seq, err := strconv.ParseUint(env.Account.Sequence, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("account %s: bad sequence: %w", address, err)
	}
	return &Account{Address: env.Account.Address, AccountNumber: num, Sequence: seq}, nil
}

// Broadcast submits signed tx bytes in sync mode. It is not retried: a
// resubmission with the same sequence would be rejected anyway.
func (c *Client) Broadcast(ctx context.Context, txBytes []byte) (*BroadcastResult, error) {
	payload, err := json.Marshal(map[string]string{
		"tx_bytes": base64.StdEncoding.EncodeToString(txBytes),
		"mode":     "BROADCAST_MODE_SYNC",
	})
	if err != nil {
		return nil, err
	}
	var env txEnvelope
	err = c.breaker.Execute(breakerKey, func() error {
		return c.do(ctx, http.MethodPost, "/cosmos/tx/v1beta1/txs", payload, &env)
	}, countable)
	metrics.ChainCallsTotal.WithLabelValues("broadcast", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return &BroadcastResult{TxHash: env.TxResponse.TxHash, Code: env.TxResponse.Code, RawLog: env.TxResponse.RawLog}, nil
}

// WaitForTx polls until hash is committed or attempts run out.
func (c *Client) WaitForTx(ctx context.Context, hash string, interval time.Duration, attempts int) (*Tx, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		tx, err := c.GetTransaction(ctx, hash)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, ErrTxNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("%w: %s not committed after %d polls", ErrTxNotFound, hash, attempts)
}

// Ping checks that the node answers.
func (c *Client) Ping(ctx context.Context) error {
	var out json.RawMessage
	return c.do(ctx, http.MethodGet, "/cosmos/base/tendermint/v1beta1/node_info", nil, &out)
}

func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	err := c.retry.Do(ctx, func() error {
		err := c.breaker.Execute(breakerKey, func() error {
			return c.do(ctx, http.MethodGet, path, nil, out)
		}, countable)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return retry.ForStatus(apiErr.Status, err)
		}
		return err
	})
	metrics.ChainCallsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
	if err != nil && !isStatus(err, http.StatusNotFound) {
		c.logger.Warn("xion request failed", "op", op, "error", err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var grpcErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &grpcErr) == nil {
			apiErr.Code, apiErr.Message = grpcErr.Code, grpcErr.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	return json.Unmarshal(data, out)
}

// countable keeps client errors from tripping the breaker.
func countable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return true
}

func isStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
