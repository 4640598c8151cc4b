// Package batch executes read plans in chunks and decodes the results into balance records.
package batch

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/balances/holdings"
	"github.com/tarancss/portfolio/balances/planner"
	"github.com/tarancss/portfolio/lib/block"
	"github.com/tarancss/portfolio/lib/block/erc20"
	"github.com/tarancss/portfolio/lib/block/types"
)

// DefaultDecimals is used when a token does not return its decimals and none were given.
const DefaultDecimals = 18

// Policy tells how the chunks of a plan are executed.
type Policy uint8

// Execution policies.
const (
	Sequential Policy = iota // one chunk at a time, in order
	Concurrent               // every chunk at once
)

func (p Policy) String() string {
	if p == Concurrent {
		return "concurrent"
	}

	return "sequential"
}

// Chunk is the outcome of one batched read. Table is nil when Err is set.
type Chunk struct {
	Index   int
	ChainID uint64
	Plan    planner.Plan
	Table   holdings.Table
	Err     error
	Elapsed time.Duration
}

// Executor runs plans against the readers of each chain.
type Executor struct {
	readers map[uint64]block.Reader
	log     *zap.Logger
}

// New returns an executor over readers.
func New(readers map[uint64]block.Reader, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}

	return &Executor{readers: readers, log: log}
}

// Chunks splits p into plans of at most window tokens. A window smaller than one keeps the plan whole.
func Chunks(p planner.Plan, window int) []planner.Plan {
	if p.Len() == 0 {
		return nil
	}

	if window < 1 {
		window = p.Len()
	}

	chunks := make([]planner.Plan, 0, (p.Len()+window-1)/window)

	for from := 0; from < p.Len(); from += window {
		to := from + window
		if to > p.Len() {
			to = p.Len()
		}

		chunks = append(chunks, p.Slice(from, to))
	}

	return chunks
}

// Run executes p in chunks of window tokens and calls fn with every chunk as it completes. With Sequential, fn is
// called in chunk order and the next chunk is only read after fn returns. With Concurrent, fn may be called from
// several goroutines at once. Run returns when every chunk has been handed to fn.
func (e *Executor) Run(ctx context.Context, p planner.Plan, window int, policy Policy, fn func(Chunk)) {
	chunks := Chunks(p, window)

	if policy == Sequential {
		for i, c := range chunks {
			fn(e.execute(ctx, i, c))
		}

		return
	}

	var wg sync.WaitGroup

	for i, c := range chunks {
		wg.Add(1)

		go func(i int, c planner.Plan) {
			defer wg.Done()

			fn(e.execute(ctx, i, c))
		}(i, c)
	}

	wg.Wait()
}

func (e *Executor) execute(ctx context.Context, i int, p planner.Plan) (c Chunk) {
	c = Chunk{Index: i, ChainID: p.ChainID, Plan: p}
	start := time.Now()

	defer func() {
		c.Elapsed = time.Since(start)
	}()

	r, ok := e.readers[p.ChainID]
	if !ok {
		c.Err = fmt.Errorf("%w: %d", types.ErrNoChain, p.ChainID)

		return
	}

	res, err := r.Execute(ctx, p.Calls)
	if err != nil {
		e.log.Warn("chunk failed", zap.Uint64("chain", p.ChainID), zap.Int("chunk", i), zap.Error(err))
		c.Err = err

		return
	}

	c.Table, c.Err = Decode(p, res)

	return
}

// Decode zips the results of p back to its tokens. Fields that cannot be decoded take their fallback value: balances
// are zero, decimals are the decoded value, then the given one, then DefaultDecimals; symbol and name are the decoded
// value, then the given one, then empty. The native coin takes its configured symbol and name.
func Decode(p planner.Plan, res []types.Result) (holdings.Table, error) {
	if len(res) != len(p.Calls) {
		return nil, fmt.Errorf("%w: %d calls, %d results", types.ErrResultMismatch, len(p.Calls), len(res))
	}

	t := make(holdings.Table, len(p.Tokens))

	for i, tok := range p.Tokens {
		g := res[i*planner.Stride : (i+1)*planner.Stride]

		raw := decodeBalance(g[0])
		dec := decodeDecimals(g[1], tok.Decimals)
		sym := decodeText(g[2], tok.Symbol)
		name := decodeText(g[3], tok.Name)

		if tok.IsNative() && p.Native != nil {
			sym, name = p.Native.CoinSymbol, p.Native.CoinName
		}

		var zaps []string
		if tok.SupportedZaps != nil {
			zaps = append([]string(nil), tok.SupportedZaps...)
		}

		t[tok.Key()] = holdings.Record{
			Address:       tok.Address.Hex(),
			ChainID:       p.ChainID,
			Name:          name,
			Symbol:        sym,
			Decimals:      dec,
			Raw:           raw,
			Balance:       decimal.NewFromBigInt(raw, -int32(dec)),
			StakingValue:  decimal.Zero,
			SupportedZaps: zaps,
			Present:       holdings.FieldAll &^ (holdings.FieldPrice | holdings.FieldValue),
		}
	}

	return t, nil
}

func decodeBalance(r types.Result) *big.Int {
	if !r.Success {
		return new(big.Int)
	}

	v, err := erc20.DecodeUint(r.ReturnData)
	if err != nil {
		return new(big.Int)
	}

	return v
}

func decodeDecimals(r types.Result, given *uint8) uint8 {
	if r.Success {
		if v, err := erc20.DecodeUint(r.ReturnData); err == nil && v.IsUint64() && v.Uint64() <= 255 {
			return uint8(v.Uint64())
		}
	}

	if given != nil {
		return *given
	}

	return DefaultDecimals
}

func decodeText(r types.Result, given string) string {
	if r.Success {
		if s, err := erc20.DecodeString(r.ReturnData); err == nil && s != "" {
			return s
		}
	}

	return given
}
