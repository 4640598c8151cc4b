package balances

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/portfolio/balances/holdings"
	"github.com/tarancss/portfolio/balances/pricing"
	"github.com/tarancss/portfolio/lib/block"
	"github.com/tarancss/portfolio/lib/block/blocktest"
	"github.com/tarancss/portfolio/lib/block/types"
	"github.com/tarancss/portfolio/lib/config"
	"github.com/tarancss/portfolio/lib/metrics"
	"github.com/tarancss/portfolio/lib/msg"
)

//nolint:gochecknoglobals // testdata
var (
	alice = common.HexToAddress("0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4")
	bob   = common.HexToAddress("0x6aC2d3f1CB2C4e7fB5f7E3CC5a1fD2dd3D8E9a10")
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	boom  = errors.New("boom")
)

func addr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

// chain returns a chain with n tokens of 6 decimals, alice holds i units of token i and bob holds 100 + i.
func chain(id uint64, n int) (*blocktest.Chain, []types.Token) {
	c := blocktest.New(id)
	tokens := make([]types.Token, n)

	for i := 0; i < n; i++ {
		c.AddToken(addr(i), 6, fmt.Sprintf("T%d", i), fmt.Sprintf("Token %d", i))
		c.SetBalance(addr(i), alice, big.NewInt(int64(i)*1_000_000))
		c.SetBalance(addr(i), bob, big.NewInt(int64(100+i)*1_000_000))
		tokens[i] = types.Token{Address: addr(i), ChainID: id}
	}

	return c, tokens
}

type notifier struct {
	mu      sync.Mutex
	updates []msg.BalanceUpdate
}

func (n *notifier) SendUpdate(u msg.BalanceUpdate) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.updates = append(n.updates, u)

	return nil
}

func keys(s holdings.Snapshot) []string {
	var k []string

	for id, t := range s.Chains {
		for a := range t {
			k = append(k, fmt.Sprintf("%d:%s", id, a))
		}
	}

	sort.Strings(k)

	return k
}

func tokenKeys(tokens []types.Token) []string {
	k := make([]string, len(tokens))
	for i, t := range tokens {
		k[i] = fmt.Sprintf("%d:%s", t.ChainID, t.Key())
	}

	sort.Strings(k)

	return k
}

func TestNoOwner(t *testing.T) {
	c, tokens := chain(1, 2)
	ctl := NewController(map[uint64]block.Reader{1: c}, Options{})

	assert.ErrorIs(t, ctl.FullRefresh(context.Background(), tokens), ErrNoOwner)
	assert.ErrorIs(t, ctl.ContinuousSync(context.Background(), tokens), ErrNoOwner)
	assert.Equal(t, 0, c.Executions())
	assert.Equal(t, StatusUnknown, ctl.Status())
}

func TestFullRefresh(t *testing.T) {
	c1, t1 := chain(1, 5)
	c1.AddToken(weth, 18, "WETH", "Wrapped Ether")
	c1.SetBalance(types.NativeAddress, alice, big.NewInt(2_000_000_000_000_000_000))

	c2, t2 := chain(250, 3)

	tokens := append(append(t1, types.Token{Address: types.NativeAddress, ChainID: 1}), t2...)
	// no native config on 250: ignored
	tokens = append(tokens, types.Token{Address: types.NativeAddress, ChainID: 250})

	n := &notifier{}
	ctl := NewController(map[uint64]block.Reader{1: c1, 250: c2}, Options{
		Windows:  config.Windows{Full: 2, Partial: 1, Sync: 1},
		Natives:  map[uint64]types.NativeAsset{1: {Wrapped: weth, CoinSymbol: "ETH", CoinName: "Ether"}},
		Notifier: n,
	})
	ctl.Track(context.Background(), alice)
	ctl.Wait()

	require.NoError(t, ctl.FullRefresh(context.Background(), tokens))

	s := ctl.Snapshot(nil)
	assert.Equal(t, alice, s.Owner)
	assert.Equal(t, tokenKeys(tokens[:len(tokens)-1]), keys(s))

	eth := s.Chains[1][types.Key(types.NativeAddress)]
	assert.Equal(t, "ETH", eth.Symbol)
	assert.True(t, eth.Balance.Equal(decimal.NewFromInt(2)), eth.Balance.String())
	assert.True(t, s.Chains[250][types.Key(addr(2))].Balance.Equal(decimal.NewFromInt(2)))

	// 3 chunks on chain 1 and 2 on chain 250
	assert.Equal(t, uint64(5), s.Nonce)
	assert.Equal(t, 3, c1.Executions())
	assert.Equal(t, 2, c2.Executions())

	state := ctl.State()
	assert.Equal(t, StatusSuccess, state.Status)
	assert.True(t, state.IsFetched)
	assert.False(t, state.IsRefetching)
	assert.Empty(t, state.Error)

	n.mu.Lock()
	require.Len(t, n.updates, 5)

	for i, u := range n.updates {
		assert.Equal(t, uint64(i+1), u.Nonce)
		assert.Equal(t, alice.Hex(), u.Owner)
		assert.True(t, sort.SliceIsSorted(u.Records, func(a, b int) bool { return u.Records[a].Address < u.Records[b].Address }))
	}
	n.mu.Unlock()

	// a second refresh gives the same balances with a newer nonce
	require.NoError(t, ctl.FullRefresh(context.Background(), tokens))

	again := ctl.Snapshot(nil)
	assert.Equal(t, s.Chains, again.Chains)
	assert.Greater(t, again.Nonce, s.Nonce)
}

func TestSnapshotPrices(t *testing.T) {
	c, tokens := chain(1, 3)
	ctl := NewController(map[uint64]block.Reader{1: c}, Options{})
	ctl.Track(context.Background(), alice)
	ctl.Wait()

	require.NoError(t, ctl.FullRefresh(context.Background(), tokens))

	prices := pricing.Table{}
	prices.Set(1, addr(2).Hex(), big.NewInt(2_500_000))

	s := ctl.Snapshot(prices)
	r := s.Chains[1][types.Key(addr(2))]
	assert.True(t, r.Price.Equal(decimal.RequireFromString("2.5")), r.Price.String())
	assert.True(t, r.Value.Equal(decimal.NewFromInt(5)), r.Value.String())
	assert.True(t, s.Chains[1][types.Key(addr(1))].Value.IsZero())

	// the store keeps no prices
	assert.True(t, ctl.Snapshot(nil).Chains[1][types.Key(addr(2))].Price.IsZero())
}

// TestPartialFailure checks a failed chunk leaves the others merged and is reported.
func TestPartialFailure(t *testing.T) {
	c, tokens := chain(1, 6)

	var ctl *Controller

	var during []Status

	c.Before = func(n int, calls []types.Call) {
		during = append(during, ctl.Status())
	}
	c.Fail = func(n int, calls []types.Call) error {
		if calls[0].Target == addr(2) {
			return boom
		}

		return nil
	}

	ctl = NewController(map[uint64]block.Reader{1: c}, Options{Windows: config.Windows{Full: 2, Partial: 2, Sync: 2}})
	ctl.Track(context.Background(), alice)

	assert.Equal(t, StatusUnknown, ctl.Status())

	err := ctl.FullRefresh(context.Background(), tokens)
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []Status{StatusLoading, StatusLoading}, during)
	assert.Equal(t, 3, c.Executions())

	s := ctl.Snapshot(nil)
	assert.Equal(t, tokenKeys([]types.Token{tokens[0], tokens[1], tokens[4], tokens[5]}), keys(s))

	state := ctl.State()
	assert.Equal(t, StatusError, state.Status)
	assert.True(t, state.IsError)
	assert.False(t, state.IsSuccess)
	assert.Equal(t, "boom", state.Error)

	// a successful refresh clears the error
	c.Fail = nil
	require.NoError(t, ctl.PartialRefresh(context.Background(), tokens[2:4]))
	assert.Equal(t, StatusSuccess, ctl.Status())
	assert.Len(t, ctl.Snapshot(nil).Chains[1], 6)
}

// TestSyncOverwrite checks the error after continuous sync is the one of the chunk completed last.
func TestSyncOverwrite(t *testing.T) {
	wait := func(cond func() bool) {
		for deadline := time.Now().Add(5 * time.Second); !cond() && time.Now().Before(deadline); {
			time.Sleep(time.Millisecond)
		}
	}

	t.Run("success last", func(t *testing.T) {
		c, tokens := chain(1, 2)

		var ctl *Controller

		c.Fail = func(n int, calls []types.Call) error {
			if calls[0].Target == addr(0) {
				return boom
			}

			wait(func() bool { return ctl.Err() != nil })

			return nil
		}

		ctl = NewController(map[uint64]block.Reader{1: c}, Options{Windows: config.Windows{Full: 1, Partial: 1, Sync: 1}})
		ctl.store.Track(alice)

		assert.NoError(t, ctl.ContinuousSync(context.Background(), tokens))
		assert.Equal(t, StatusSuccess, ctl.Status())
		assert.Len(t, ctl.Snapshot(nil).Chains[1], 1)
	})

	t.Run("failure last", func(t *testing.T) {
		c, tokens := chain(1, 2)

		var ctl *Controller

		c.Fail = func(n int, calls []types.Call) error {
			if calls[0].Target == addr(0) {
				wait(func() bool { return ctl.State().Nonce > 0 })

				return boom
			}

			return nil
		}

		ctl = NewController(map[uint64]block.Reader{1: c}, Options{Windows: config.Windows{Full: 1, Partial: 1, Sync: 1}})
		ctl.store.Track(alice)

		assert.ErrorIs(t, ctl.ContinuousSync(context.Background(), tokens), boom)
		assert.Equal(t, StatusError, ctl.Status())
	})
}

// TestOwnerSwitch checks balances of a previous owner are never returned for the new one.
func TestOwnerSwitch(t *testing.T) {
	c, tokens := chain(1, 4)
	ctl := NewController(map[uint64]block.Reader{1: c}, Options{Windows: config.Windows{Full: 2, Partial: 2, Sync: 2}})

	ctl.Track(context.Background(), alice)
	ctl.Wait()
	require.NoError(t, ctl.FullRefresh(context.Background(), tokens))
	require.Len(t, ctl.Snapshot(nil).Chains[1], 4)

	// bob is tracked but nothing was read for him yet
	ctl.store.Track(bob)

	s := ctl.Snapshot(nil)
	assert.Equal(t, bob, s.Owner)
	assert.Empty(t, s.Chains)

	require.NoError(t, ctl.FullRefresh(context.Background(), tokens[:1]))

	s = ctl.Snapshot(nil)
	assert.Equal(t, bob, s.Owner)
	assert.Equal(t, uint64(1), s.Nonce)
	require.Len(t, s.Chains[1], 1)
	assert.True(t, s.Chains[1][types.Key(addr(0))].Balance.Equal(decimal.NewFromInt(100)))
}

// TestStaleResult checks results read for an owner that stopped being tracked are dropped.
func TestStaleResult(t *testing.T) {
	c, tokens := chain(1, 4)
	reg := prometheus.NewRegistry()

	var ctl *Controller

	c.Before = func(n int, calls []types.Call) {
		if n == 1 {
			ctl.Track(context.Background(), bob)
		}
	}

	ctl = NewController(map[uint64]block.Reader{1: c}, Options{
		Windows: config.Windows{Full: 1, Partial: 1, Sync: 1},
		Metrics: metrics.New(reg),
	})
	ctl.Track(context.Background(), alice)
	ctl.Wait()

	require.NoError(t, ctl.FullRefresh(context.Background(), tokens))
	ctl.Wait()

	// first chunk merged for alice, the other three dropped
	s := ctl.Snapshot(nil)
	assert.Equal(t, bob, s.Owner)
	assert.Empty(t, s.Chains)
	assert.Equal(t, StatusSuccess, ctl.Status())

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP portfolio_stale_merges_total Results dropped because they belong to an owner no longer tracked.
# TYPE portfolio_stale_merges_total counter
portfolio_stale_merges_total 3
`), "portfolio_stale_merges_total"))
}

// TestWatch checks watching tokens syncs them in the background.
func TestWatch(t *testing.T) {
	c, tokens := chain(1, 3)
	reg := prometheus.NewRegistry()
	ctl := NewController(map[uint64]block.Reader{1: c}, Options{
		Windows: config.Windows{Full: 10, Partial: 10, Sync: 1},
		Metrics: metrics.New(reg),
	})

	// nothing tracked: no reads
	ctl.Watch(context.Background(), tokens)
	ctl.Wait()
	assert.Equal(t, 0, c.Executions())
	assert.Len(t, ctl.Watched(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	ctl.Track(ctx, alice)
	cancel() // background syncs outlive the caller
	ctl.Wait()

	assert.Equal(t, 3, c.Executions())
	assert.Equal(t, tokenKeys(tokens), keys(ctl.Snapshot(nil)))
	assert.Equal(t, StatusSuccess, ctl.Status())

	n, err := testutil.GatherAndCount(reg, "portfolio_tracked_tokens")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
