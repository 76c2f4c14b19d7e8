// Package rates looks up fiat exchange rates from Pyth price feeds.
package rates

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownSymbol = errors.New("unsupported currency")
	ErrNoPrice       = errors.New("no price for feed")
)

// Currency is a supported invoice currency and its USD feed.
type Currency struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	FeedID string `json:"feedId"`
}

// Currencies are the fiat units invoices may be issued in. Each feed
// quotes units of the currency per US dollar.
var Currencies = []Currency{
	{Symbol: "TRY", Name: "Turkish Lira", FeedID: "0x032a2eba1c2635bf973e95fb62b2c0705c1be2603b9572cc8d5edeaf8744e058"},
	{Symbol: "ZAR", Name: "South African Rand", FeedID: "0x389d889017db82bf42141f23b61b8de938a4e2d156e36312175bebf797f493f1"},
	{Symbol: "MXN", Name: "Mexican Peso", FeedID: "0xe13b1c1ffb32f34e1be9545583f01ef385fde7f42ee66049d30570dc866b77ca"},
	{Symbol: "CNH", Name: "Chinese Yuan", FeedID: "0xeef52e09c878ad41f6a81803e3640fe04dceea727de894edd4ea117e2e332e66"},
	{Symbol: "BRL", Name: "Brazilian Real", FeedID: "0xd2db4dbf1aea74e0f666b0e8f73b9580d407f5e5cf931940b06dc633d7a95906"},
}

// Lookup returns the currency for symbol, case-insensitively.
func Lookup(symbol string) (Currency, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, c := range Currencies {
		if c.Symbol == symbol {
			return c, true
		}
	}
	return Currency{}, false
}

// Rate is one Pyth price: Price × 10^Expo units of the currency per USD.
type Rate struct {
	Symbol      string    `json:"symbol"`
	FeedID      string    `json:"feedId"`
	Price       int64     `json:"price"`
	Conf        uint64    `json:"conf"`
	Expo        int32     `json:"expo"`
	PublishTime time.Time `json:"publishTime"`
}

// Value returns the price as a decimal.
func (r Rate) Value() decimal.Decimal {
	return decimal.New(r.Price, r.Expo)
}

// Age returns how old the price is at now.
func (r Rate) Age(now time.Time) time.Duration {
	return now.Sub(r.PublishTime)
}

// Oracle returns the latest rate for a currency symbol.
type Oracle interface {
	GetRate(ctx context.Context, symbol string) (Rate, error)
}
