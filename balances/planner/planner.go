// Package planner expands the tokens of one chain into an ordered list of read calls.
//
// Every token is read with a group of Stride calls: balance, decimals, symbol and name. For the native coin the balance
// is read through Multicall3 getEthBalance and the metadata from the chain's wrapped asset.
package planner

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/portfolio/lib/block/types"
)

// Stride is the number of calls read for each token.
const Stride = 4

// Plan is the list of calls for one chain. Calls[i*Stride : (i+1)*Stride] belong to Tokens[i].
type Plan struct {
	ChainID uint64
	Owner   common.Address
	Tokens  []types.Token
	Calls   []types.Call
	Native  *types.NativeAsset
}

// Len returns the number of tokens planned.
func (p Plan) Len() int {
	return len(p.Tokens)
}

// Slice returns the plan restricted to tokens [from, to).
func (p Plan) Slice(from, to int) Plan {
	q := p
	q.Tokens = p.Tokens[from:to]
	q.Calls = p.Calls[from*Stride : to*Stride]

	return q
}

// New builds the plan for the tokens of chainID read for owner. native is the chain's native coin configuration or nil.
// Native tokens requested on a chain without native configuration are left out and returned in dropped.
func New(owner common.Address, chainID uint64, tokens []types.Token, native *types.NativeAsset) (p Plan,
	dropped []types.Token,
) {
	p = Plan{
		ChainID: chainID,
		Owner:   owner,
		Tokens:  make([]types.Token, 0, len(tokens)),
		Calls:   make([]types.Call, 0, len(tokens)*Stride),
		Native:  native,
	}

	for _, t := range tokens {
		if t.IsNative() {
			if native == nil {
				dropped = append(dropped, t)

				continue
			}

			p.Tokens = append(p.Tokens, t)
			p.Calls = append(p.Calls,
				types.Call{Method: types.NativeBalance, Target: types.Multicall3, Owner: owner},
				types.Call{Method: types.Decimals, Target: native.Wrapped},
				types.Call{Method: types.Symbol, Target: native.Wrapped},
				types.Call{Method: types.Name, Target: native.Wrapped},
			)

			continue
		}

		p.Tokens = append(p.Tokens, t)
		p.Calls = append(p.Calls,
			types.Call{Method: types.BalanceOf, Target: t.Address, Owner: owner},
			types.Call{Method: types.Decimals, Target: t.Address},
			types.Call{Method: types.Symbol, Target: t.Address},
			types.Call{Method: types.Name, Target: t.Address},
		)
	}

	return p, dropped
}

// Group is the list of tokens of one chain.
type Group struct {
	ChainID uint64
	Tokens  []types.Token
}

// GroupByChain groups tokens by chain keeping the order in which chains and tokens are first seen. Zero address tokens
// and repeated tokens are skipped.
func GroupByChain(tokens []types.Token) []Group {
	var groups []Group

	idx := make(map[uint64]int)
	seen := make(map[uint64]map[common.Address]bool)

	for _, t := range tokens {
		if t.Address == (common.Address{}) {
			continue
		}

		i, ok := idx[t.ChainID]
		if !ok {
			i = len(groups)
			idx[t.ChainID] = i
			seen[t.ChainID] = make(map[common.Address]bool)

			groups = append(groups, Group{ChainID: t.ChainID})
		}

		if seen[t.ChainID][t.Address] {
			continue
		}

		seen[t.ChainID][t.Address] = true
		groups[i].Tokens = append(groups[i].Tokens, t)
	}

	return groups
}
