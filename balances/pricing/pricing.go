// Package pricing joins balances with a price table.
package pricing

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tarancss/portfolio/balances/holdings"
)

// Decimals is the fixed point precision of raw prices.
const Decimals = 6

// Table maps chain ids to lower case token addresses to raw prices, fixed point with Decimals decimals.
type Table map[uint64]map[string]*big.Int

// Set stores a raw price for a token.
func (t Table) Set(chainID uint64, address string, raw *big.Int) {
	m, ok := t[chainID]
	if !ok {
		m = make(map[string]*big.Int)
		t[chainID] = m
	}

	m[strings.ToLower(address)] = raw
}

// Normalize converts a raw price to its decimal value. Nil and negative prices are zero.
func Normalize(raw *big.Int) decimal.Decimal {
	if raw == nil || raw.Sign() < 0 {
		return decimal.Zero
	}

	return decimal.NewFromBigInt(raw, -Decimals)
}

// ParsePrice converts a decimal string (ie. "1.5") into a raw price.
func ParsePrice(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}

	return d.Shift(Decimals).BigInt(), nil
}

// Enrich returns a copy of snap where every record has its price and value set from prices. Tokens without a price are
// valued at zero. snap is not modified.
func Enrich(snap holdings.Snapshot, prices Table) holdings.Snapshot {
	out := snap.Copy()

	for id, t := range out.Chains {
		for k, r := range t {
			r.Price = Normalize(prices[id][strings.ToLower(k)])

			bal := r.Balance
			if bal.IsNegative() {
				bal = decimal.Zero
			}

			r.Value = bal.Mul(r.Price)
			t[k] = r
		}
	}

	return out
}
