package batch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/portfolio/balances/holdings"
	"github.com/tarancss/portfolio/balances/planner"
	"github.com/tarancss/portfolio/lib/block"
	"github.com/tarancss/portfolio/lib/block/blocktest"
	"github.com/tarancss/portfolio/lib/block/types"
)

//nolint:gochecknoglobals // testdata
var (
	owner = common.HexToAddress("0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4")
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	eth   = &types.NativeAsset{Wrapped: weth, CoinSymbol: "ETH", CoinName: "Ether"}
)

func addr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

// chain returns a chain with n tokens, token i has balance i * 10^6 and 6 decimals.
func chain(n int) (*blocktest.Chain, []types.Token) {
	c := blocktest.New(1)
	tokens := make([]types.Token, n)

	for i := 0; i < n; i++ {
		c.AddToken(addr(i), 6, fmt.Sprintf("T%d", i), fmt.Sprintf("Token %d", i))
		c.SetBalance(addr(i), owner, big.NewInt(int64(i)*1_000_000))
		tokens[i] = types.Token{Address: addr(i), ChainID: 1}
	}

	return c, tokens
}

func TestChunks(t *testing.T) {
	_, tokens := chain(7)
	p, _ := planner.New(owner, 1, tokens, nil)

	cases := []struct{ window, chunks, last int }{
		{1, 7, 1}, {2, 4, 1}, {3, 3, 1}, {7, 1, 7}, {100, 1, 7}, {0, 1, 7},
	}

	for _, c := range cases {
		ch := Chunks(p, c.window)
		require.Len(t, ch, c.chunks, "window %d", c.window)
		assert.Equal(t, c.last, ch[len(ch)-1].Len(), "window %d", c.window)
	}

	assert.Empty(t, Chunks(planner.Plan{}, 5))
}

// TestChunkingEquivalence checks the merged chunks give the same table as one unchunked read.
func TestChunkingEquivalence(t *testing.T) {
	c, tokens := chain(10)
	e := New(map[uint64]block.Reader{1: c}, nil)
	p, _ := planner.New(owner, 1, tokens, nil)

	whole := holdings.New(nil)
	e.Run(context.Background(), p, 0, Sequential, func(ch Chunk) {
		require.NoError(t, ch.Err)
		_, _ = whole.Merge(owner, 1, ch.Table)
	})

	for _, w := range []int{1, 3, 4} {
		for _, policy := range []Policy{Sequential, Concurrent} {
			s := holdings.New(nil)

			var n int

			var mu sync.Mutex

			e.Run(context.Background(), p, w, policy, func(ch Chunk) {
				assert.NoError(t, ch.Err)

				mu.Lock()
				n++
				mu.Unlock()

				_, _ = s.Merge(owner, 1, ch.Table)
			})

			assert.Equal(t, (10+w-1)/w, n, "window %d %s", w, policy)
			assert.Equal(t, whole.Snapshot().Chains, s.Snapshot().Chains, "window %d %s", w, policy)
		}
	}
}

func TestSequentialOrder(t *testing.T) {
	c, tokens := chain(5)
	e := New(map[uint64]block.Reader{1: c}, nil)
	p, _ := planner.New(owner, 1, tokens, nil)

	var idx []int

	e.Run(context.Background(), p, 2, Sequential, func(ch Chunk) {
		idx = append(idx, ch.Index)
	})

	assert.Equal(t, []int{0, 1, 2}, idx)
}

// TestFailureIsolation checks a failed chunk does not affect the others.
func TestFailureIsolation(t *testing.T) {
	c, tokens := chain(6)
	boom := errors.New("boom")
	c.Fail = func(n int, calls []types.Call) error {
		if calls[0].Target == addr(2) {
			return boom
		}

		return nil
	}

	e := New(map[uint64]block.Reader{1: c}, nil)
	p, _ := planner.New(owner, 1, tokens, nil)

	for _, policy := range []Policy{Sequential, Concurrent} {
		var (
			mu     sync.Mutex
			failed []int
			keys   []string
		)

		e.Run(context.Background(), p, 2, policy, func(ch Chunk) {
			mu.Lock()
			defer mu.Unlock()

			if ch.Err != nil {
				assert.ErrorIs(t, ch.Err, boom)
				assert.Nil(t, ch.Table)

				failed = append(failed, ch.Index)

				return
			}

			for k := range ch.Table {
				keys = append(keys, k)
			}
		})

		sort.Strings(keys)
		assert.Equal(t, []int{1}, failed, policy.String())
		assert.Equal(t, []string{
			types.Key(addr(0)), types.Key(addr(1)), types.Key(addr(4)), types.Key(addr(5)),
		}, keys, policy.String())
	}
}

func TestNoReader(t *testing.T) {
	_, tokens := chain(1)
	e := New(map[uint64]block.Reader{}, nil)
	p, _ := planner.New(owner, 1, tokens, nil)

	e.Run(context.Background(), p, 10, Sequential, func(ch Chunk) {
		assert.ErrorIs(t, ch.Err, types.ErrNoChain)
	})
}

func TestDecode(t *testing.T) {
	c := blocktest.New(1)
	dec := uint8(8)

	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	mkr := common.HexToAddress("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2")
	odd, zero, weird, unknown := addr(100), addr(101), addr(102), addr(103)

	c.AddToken(usdc, 6, "USDC", "USD Coin")
	c.SetBalance(usdc, owner, big.NewInt(100_000_000))
	c.AddToken(mkr, 18, "MKR", "Maker").Bytes32 = true
	c.AddToken(odd, 0, "", "").NoMeta = true
	c.SetBalance(odd, owner, big.NewInt(42))
	c.AddToken(zero, 0, "ZERO", "Zero decimals")
	c.SetBalance(zero, owner, big.NewInt(3))
	c.AddToken(weird, 300, "W", "Weird")
	c.AddToken(weth, 18, "WETH", "Wrapped Ether")
	c.SetBalance(types.NativeAddress, owner, big.NewInt(1_500_000_000_000_000_000))

	tokens := []types.Token{
		{Address: usdc, ChainID: 1, SupportedZaps: []string{"wido"}},
		{Address: mkr, ChainID: 1},
		{Address: odd, ChainID: 1, Decimals: &dec, Symbol: "ODD", Name: "Odd token"},
		{Address: zero, ChainID: 1},
		{Address: weird, ChainID: 1},
		{Address: types.NativeAddress, ChainID: 1},
		{Address: unknown, ChainID: 1},
	}

	p, dropped := planner.New(owner, 1, tokens, eth)
	require.Empty(t, dropped)

	res, err := c.Execute(context.Background(), p.Calls)
	require.NoError(t, err)

	tab, err := Decode(p, res)
	require.NoError(t, err)
	require.Len(t, tab, len(tokens))

	r := tab[types.Key(usdc)]
	assert.Equal(t, usdc.Hex(), r.Address)
	assert.Equal(t, "USDC", r.Symbol)
	assert.Equal(t, uint8(6), r.Decimals)
	assert.True(t, r.Balance.Equal(decimal.NewFromInt(100)), r.Balance.String())
	assert.Equal(t, []string{"wido"}, r.SupportedZaps)
	assert.True(t, r.StakingValue.IsZero())

	assert.Equal(t, "MKR", tab[types.Key(mkr)].Symbol)
	assert.Equal(t, "Maker", tab[types.Key(mkr)].Name)

	// metadata reverts: injected values
	r = tab[types.Key(odd)]
	assert.Equal(t, uint8(8), r.Decimals)
	assert.Equal(t, "ODD", r.Symbol)
	assert.Equal(t, "Odd token", r.Name)
	assert.True(t, r.Balance.Equal(decimal.RequireFromString("0.00000042")), r.Balance.String())

	// a decoded zero is a value
	assert.Equal(t, uint8(0), tab[types.Key(zero)].Decimals)
	assert.True(t, tab[types.Key(zero)].Balance.Equal(decimal.NewFromInt(3)))

	// out of range decimals fall back to the default
	assert.Equal(t, uint8(DefaultDecimals), tab[types.Key(weird)].Decimals)

	r = tab[types.Key(types.NativeAddress)]
	assert.Equal(t, "ETH", r.Symbol)
	assert.Equal(t, "Ether", r.Name)
	assert.True(t, r.Balance.Equal(decimal.RequireFromString("1.5")), r.Balance.String())

	// unknown contract: everything falls back
	r = tab[types.Key(unknown)]
	assert.Equal(t, uint8(DefaultDecimals), r.Decimals)
	assert.Equal(t, "", r.Symbol)
	assert.Equal(t, int64(0), r.Raw.Int64())

	_, err = Decode(p, res[:4])
	assert.ErrorIs(t, err, types.ErrResultMismatch)
}
