// Package storetest checks a store.DB implementation against a live database.
package storetest

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/portfolio/lib/store"
)

// Run exercises db, which must start empty.
func Run(t *testing.T, db store.DB) {
	t.Helper()

	dec := uint8(6)
	usdc := store.Token{
		ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: &dec,
		Name: "USD Coin", Symbol: "USDC", Zaps: []string{"wido", "portals"},
	}
	dai := store.Token{ChainID: 10, Address: "0xda10009cbd5d07dd0cecc66161fc93d7c9000da1", Symbol: "DAI"}

	require.NoError(t, db.AddToken(usdc))
	require.NoError(t, db.AddToken(dai))
	// adding again replaces
	usdc.Name = "USDC"
	require.NoError(t, db.AddToken(usdc))

	toks, err := db.GetTokens(nil)
	require.NoError(t, err)
	assert.Len(t, toks, 2)

	toks, err = db.GetTokens([]uint64{1})
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", toks[0].Address)
	assert.Equal(t, "USDC", toks[0].Name)
	require.NotNil(t, toks[0].Decimals)
	assert.Equal(t, uint8(6), *toks[0].Decimals)
	assert.Equal(t, []string{"wido", "portals"}, toks[0].Zaps)

	require.NoError(t, db.RemoveToken(10, dai.Address))
	assert.ErrorIs(t, db.RemoveToken(10, dai.Address), store.ErrTokenNotFound)

	raw := new(big.Int).Mul(big.NewInt(1_843_250_000), big.NewInt(1_000_000_000_000))
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, db.SetPrice(store.Price{ChainID: 1, Address: usdc.Address, Raw: "1000000", Updated: now}))
	require.NoError(t, db.SetPrice(store.Price{ChainID: 1, Address: usdc.Address, Raw: "999800", Updated: now}))
	require.NoError(t, db.SetPrice(store.Price{ChainID: 250, Address: "0x21be370D5312f44cB42ce377BC9b8a0cEF1A4C83",
		Raw: raw.String(), Updated: now}))

	ps, err := db.GetPrices([]uint64{1})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "999800", ps[0].Raw)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", ps[0].Address)

	ps, err = db.GetPrices(nil)
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}
