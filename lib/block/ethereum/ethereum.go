// Package ethereum implements the block.Reader interface for ethereum-type chains.
//
// Multicall batches every call of a chunk into one Multicall3 aggregate3 eth_call. Sequential is used for nodes where
// Multicall3 is not deployed and reads each call on its own with ethcli.
package ethereum

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tarancss/ethcli"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/lib/block/erc20"
	"github.com/tarancss/portfolio/lib/block/types"
)

// ErrConnect is returned when a node client cannot be created.
var ErrConnect = errors.New("cannot connect to ethereum node")

// Multicall implements a connection to an ethereum-type chain that batches reads through Multicall3.
type Multicall struct {
	c   *ethclient.Client
	id  uint64
	log *zap.Logger
}

// Dial returns a Multicall reader connected to node, using secret for Basic Authentication if given.
func Dial(ctx context.Context, node, secret string, chainID uint64, log *zap.Logger) (*Multicall, error) {
	if log == nil {
		log = zap.NewNop()
	}

	rc, err := rpc.DialContext(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrConnect, node, err)
	}

	if secret != "" {
		rc.SetHeader("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(secret)))
	}

	return &Multicall{c: ethclient.NewClient(rc), id: chainID, log: log}, nil
}

// ChainID returns the id of the chain the reader is connected to.
func (m *Multicall) ChainID() uint64 {
	return m.id
}

// Close ends a connection
func (m *Multicall) Close() {
	m.c.Close()
}

// Execute sends all the calls in one aggregate3 call and returns one result per call, in order. Calls that revert are
// returned as unsuccessful results; only transport or decoding failures of the whole batch return an error.
func (m *Multicall) Execute(ctx context.Context, calls []types.Call) ([]types.Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	data, err := erc20.PackAggregate3(calls)
	if err != nil {
		return nil, err
	}

	to := types.Multicall3

	out, err := m.c.CallContract(ctx, geth.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("aggregate3 on chain %d: %w", m.id, err)
	}

	res, err := erc20.UnpackAggregate3(out)
	if err != nil {
		return nil, err
	}

	if len(res) != len(calls) {
		return nil, fmt.Errorf("%w: %d calls, %d results", types.ErrResultMismatch, len(calls), len(res))
	}

	m.log.Debug("aggregate3", zap.Uint64("chain", m.id), zap.Int("calls", len(calls)))

	return res, nil
}

// Sequential implements a connection to an ethereum-type chain reading one call at a time.
type Sequential struct {
	c  *ethcli.EthCli
	id uint64
}

// Init returns a Sequential reader connected to node, using secret if necessary for authentication.
func Init(node, secret string, chainID uint64) (*Sequential, error) {
	c := ethcli.Init(node, secret)
	if c == nil {
		return nil, fmt.Errorf("%w %s", ErrConnect, node)
	}

	return &Sequential{c: c, id: chainID}, nil
}

// ChainID returns the id of the chain the reader is connected to.
func (s *Sequential) ChainID() uint64 {
	return s.id
}

// Close ends a connection
func (s *Sequential) Close() {
	s.c.End()
}

// Execute reads every call one after the other. Results are ABI encoded so they decode exactly as the ones returned by
// Multicall. A call that reverts or returns unexpected data gives an unsuccessful result. Any other error, ie. the node
// being down, fails the whole batch as Multicall does.
func (s *Sequential) Execute(ctx context.Context, calls []types.Call) ([]types.Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	res := make([]types.Result, len(calls))

	for i, c := range calls {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sequential read on chain %d: %w", s.id, err)
		}

		data, err := s.read(c)
		if err != nil {
			if callFailed(err) {
				continue
			}

			return nil, fmt.Errorf("sequential read on chain %d: %w", s.id, err)
		}

		res[i] = types.Result{Success: true, ReturnData: data}
	}

	return res, nil
}

func (s *Sequential) read(c types.Call) ([]byte, error) {
	switch c.Method {
	case types.BalanceOf, types.NativeBalance:
		token := ""
		if c.Method == types.BalanceOf {
			token = c.Target.Hex()
		}

		eth, tok, err := s.c.GetBalance(c.Owner.Hex(), token)
		if err != nil {
			return nil, err
		}

		if c.Method == types.NativeBalance {
			return erc20.EncodeUint(eth), nil
		}

		return erc20.EncodeUint(tok), nil
	case types.Decimals:
		dec, err := s.c.GetTokenDecimals(c.Target.Hex())
		if err != nil {
			return nil, err
		}

		return erc20.EncodeUint(new(big.Int).SetUint64(dec)), nil
	case types.Symbol:
		sym, err := s.c.GetTokenSymbol(c.Target.Hex())
		if err != nil {
			return nil, err
		}

		return erc20.EncodeString(sym), nil
	case types.Name:
		name, err := s.c.GetTokenName(c.Target.Hex())
		if err != nil {
			return nil, err
		}

		return erc20.EncodeString(name), nil
	}

	return nil, types.ErrDecode
}

// callFailed tells whether err comes from the call itself, a revert or return data ethcli cannot parse, and not from
// the node or the connection to it.
func callFailed(err error) bool {
	var numErr *strconv.NumError

	switch {
	case errors.Is(err, ethcli.ErrNoToken), errors.Is(err, ethcli.ErrBadAmt), errors.Is(err, ethcli.ErrBadToken),
		errors.Is(err, types.ErrDecode), errors.As(err, &numErr):
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
