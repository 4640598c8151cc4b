// Package blocktest provides an in-memory block.Reader for tests.
package blocktest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/portfolio/lib/block/erc20"
	"github.com/tarancss/portfolio/lib/block/types"
)

// Token is the state of a token contract. A token with NoMeta reverts decimals, symbol and name.
type Token struct {
	Decimals int64
	Symbol   string
	Name     string
	Bytes32  bool // symbol and name are returned as bytes32
	NoMeta   bool
	Balances map[common.Address]*big.Int
}

// Chain is an in-memory chain. Fail, when set, is called before every Execute with its sequence number (from 0) and
// the error returned fails the batch. Before, when set, is called before the results are computed.
type Chain struct {
	ID     uint64
	Tokens map[common.Address]*Token
	Native map[common.Address]*big.Int
	Fail   func(n int, calls []types.Call) error
	Before func(n int, calls []types.Call)

	mu     sync.Mutex
	n      int
	closed bool
}

// New returns an empty chain.
func New(id uint64) *Chain {
	return &Chain{ID: id, Tokens: make(map[common.Address]*Token), Native: make(map[common.Address]*big.Int)}
}

// AddToken adds a token contract.
func (c *Chain) AddToken(addr common.Address, decimals int64, symbol, name string) *Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &Token{Decimals: decimals, Symbol: symbol, Name: name, Balances: make(map[common.Address]*big.Int)}
	c.Tokens[addr] = t

	return t
}

// SetBalance sets the balance of owner in token. types.NativeAddress sets the native balance.
func (c *Chain) SetBalance(token, owner common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token == types.NativeAddress {
		c.Native[owner] = v

		return
	}

	if t, ok := c.Tokens[token]; ok {
		t.Balances[owner] = v
	}
}

// Executions returns how many batches have been executed.
func (c *Chain) Executions() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.n
}

// Closed tells if Close was called.
func (c *Chain) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// ChainID returns the chain id.
func (c *Chain) ChainID() uint64 {
	return c.ID
}

// Close marks the chain closed.
func (c *Chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
}

// Execute returns the results of calls from the chain state.
func (c *Chain) Execute(ctx context.Context, calls []types.Call) ([]types.Result, error) {
	c.mu.Lock()
	n := c.n
	c.n++
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.Fail != nil {
		if err := c.Fail(n, calls); err != nil {
			return nil, err
		}
	}

	if c.Before != nil {
		c.Before(n, calls)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	res := make([]types.Result, len(calls))
	for i, call := range calls {
		res[i] = c.result(call)
	}

	return res, nil
}

func (c *Chain) result(call types.Call) types.Result {
	if call.Method == types.NativeBalance {
		return uintResult(c.Native[call.Owner])
	}

	t, ok := c.Tokens[call.Target]
	if !ok {
		return types.Result{}
	}

	switch call.Method {
	case types.BalanceOf:
		return uintResult(t.Balances[call.Owner])
	case types.Decimals:
		if t.NoMeta {
			return types.Result{}
		}

		return uintResult(big.NewInt(t.Decimals))
	case types.Symbol:
		return t.text(t.Symbol)
	case types.Name:
		return t.text(t.Name)
	case types.NativeBalance:
	}

	return types.Result{}
}

func (t *Token) text(s string) types.Result {
	if t.NoMeta {
		return types.Result{}
	}

	if t.Bytes32 {
		return types.Result{Success: true, ReturnData: common.RightPadBytes([]byte(s), common.HashLength)}
	}

	return types.Result{Success: true, ReturnData: erc20.EncodeString(s)}
}

func uintResult(v *big.Int) types.Result {
	if v == nil {
		v = new(big.Int)
	}

	return types.Result{Success: true, ReturnData: erc20.EncodeUint(v)}
}
