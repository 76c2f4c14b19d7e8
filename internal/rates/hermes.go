package rates

import (
	"context"
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

// DefaultHermesURL is the public Pyth Hermes endpoint.
const DefaultHermesURL = "https://hermes.pyth.network"

const breakerKey = "hermes"

// HTTPError is a non-2xx answer from Hermes.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("hermes: status %d: %s", e.Status, e.Body)
}

// HermesClient reads the latest prices from a Pyth Hermes service.
type HermesClient struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
	logger  *slog.Logger
}

// NewHermesClient creates a client for the Hermes service at baseURL.
func NewHermesClient(baseURL string, hc *http.Client, logger *slog.Logger) *HermesClient {
	if baseURL == "" {
		baseURL = DefaultHermesURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HermesClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		breaker: circuitbreaker.New(5, 30*time.Second),
		retry:   retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond},
		logger:  logger,
	}
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type hermesResponse struct {
	Parsed []struct {
		ID    string      `json:"id"`
		Price hermesPrice `json:"price"`
	} `json:"parsed"`
}

// GetRate fetches the latest price of the feed for symbol.
func (h *HermesClient) GetRate(ctx context.Context, symbol string) (Rate, error) {
	cur, ok := Lookup(symbol)
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	ctx, span := traces.StartSpan(ctx, "rates.Hermes.GetRate", traces.Symbol(cur.Symbol))
	defer span.End()

	q := url.Values{}
	q.Add("ids[]", cur.FeedID)
	q.Set("parsed", "true")

	var resp hermesResponse
	err := h.retry.Do(ctx, func() error {
		err := h.breaker.Execute(breakerKey, func() error {
			return h.get(ctx, "/v2/updates/price/latest?"+q.Encode(), &resp)
		}, countable)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return retry.ForStatus(httpErr.Status, err)
		}
		return err
	})
	metrics.RateLookupsTotal.WithLabelValues("hermes", metrics.Result(err)).Inc()
	if err != nil {
		traces.Fail(span, err)
		h.logger.Warn("hermes lookup failed", "symbol", cur.Symbol, "error", err)
		return Rate{}, err
	}

	want := strings.TrimPrefix(strings.ToLower(cur.FeedID), "0x")
	for _, p := range resp.Parsed {
		if strings.TrimPrefix(strings.ToLower(p.ID), "0x") != want {
			continue
		}
		return toRate(cur, p.Price)
	}
	return Rate{}, fmt.Errorf("%w: %s", ErrNoPrice, cur.Symbol)
}

func toRate(cur Currency, p hermesPrice) (Rate, error) {
	price, err := strconv.ParseInt(p.Price, 10, 64)
	if err != nil {
		return Rate{}, fmt.Errorf("hermes: bad price %q: %w", p.Price, err)
	}
	if price <= 0 {
		return Rate{}, fmt.Errorf("%w: non-positive price for %s", ErrNoPrice, cur.Symbol)
	}
	var conf uint64
	if p.Conf != "" {
		if conf, err = strconv.ParseUint(p.Conf, 10, 64); err != nil {
			return Rate{}, fmt.Errorf("hermes: bad conf %q: %w", p.Conf, err)
		}
	}
	return Rate{
		Symbol:      cur.Symbol,
		FeedID:      cur.FeedID,
		Price:       price,
		Conf:        conf,
		Expo:        p.Expo,
		PublishTime: time.Unix(p.PublishTime, 0).UTC(),
	}, nil
}

func (h *HermesClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return json.Unmarshal(data, out)
}

func countable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}
	return true
}
