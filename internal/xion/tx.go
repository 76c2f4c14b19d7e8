// Package xion reads and writes transactions on the Xion chain through the
// Cosmos SDK REST gateway.
package xion

import (
	"math/big"
	"regexp"
	"strings"
	"time"
)

var coinRegex = regexp.MustCompile(`^(\d+)([a-zA-Z][a-zA-Z0-9/:._-]*)$`)

// Attribute is a key/value pair of a tx event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is an ABCI event emitted while executing a tx.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

// Tx is the part of a committed transaction the service relies on.
type Tx struct {
	Hash      string
	Height    int64
	Code      uint32
	RawLog    string
	Timestamp time.Time
	Events    []Event
}

// Coin is an amount of one denom in base units.
type Coin struct {
	Denom  string
	Amount *big.Int
}

// Transfer is one bank transfer found in a tx.
type Transfer struct {
	Sender    string
	Recipient string
	Coins     []Coin
}

// Succeeded reports whether the tx executed without error.
func (t *Tx) Succeeded() bool { return t.Code == 0 }

// Transfers extracts bank transfers from "transfer" events. Older nodes pack
// several recipient/sender/amount triples into one event, so an "amount"
// attribute closes the transfer built from the attributes before it.
func (t *Tx) Transfers() []Transfer {
	var out []Transfer
	for _, ev := range t.Events {
		if ev.Type != "transfer" {
			continue
		}
		var cur Transfer
		for _, attr := range ev.Attributes {
			switch attr.Key {
			case "recipient":
				cur.Recipient = attr.Value
			case "sender":
				cur.Sender = attr.Value
			case "amount":
				cur.Coins = ParseCoins(attr.Value)
				out = append(out, cur)
				cur = Transfer{}
			}
		}
	}
	return out
}

// ReceivedBy sums what recipient got in denom. ok is false when no matching
// transfer exists.
func (t *Tx) ReceivedBy(recipient, denom string) (total *big.Int, ok bool) {
	total = new(big.Int)
	for _, tr := range t.Transfers() {
		if tr.Recipient != recipient {
			continue
		}
		for _, c := range tr.Coins {
			if c.Denom == denom {
				total.Add(total, c.Amount)
				ok = true
			}
		}
	}
	return total, ok
}

// MatchesWasm reports whether some "wasm" event carries every expected attribute.
func (t *Tx) MatchesWasm(expected map[string]string) bool {
	for _, ev := range t.Events {
		if ev.Type != "wasm" {
			continue
		}
		found := 0
		for k, v := range expected {
			for _, attr := range ev.Attributes {
				if attr.Key == k && attr.Value == v {
					found++
					break
				}
			}
		}
		if found == len(expected) {
			return true
		}
	}
	return false
}

// ParseCoins parses a comma separated coin list such as "1500ibc/57…,20uxion".
// Malformed entries are skipped.
func ParseCoins(s string) []Coin {
	var coins []Coin
	for _, part := range strings.Split(s, ",") {
		m := coinRegex.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			continue
		}
		amount, ok := new(big.Int).SetString(m[1], 10)
		if !ok {
			continue
		}
		coins = append(coins, Coin{Denom: m[2], Amount: amount})
	}
	return coins
}
