// Package block defines the interface required for all chain connections.
package block

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/lib/block/ethereum"
	"github.com/tarancss/portfolio/lib/block/types"
	"github.com/tarancss/portfolio/lib/config"
)

// Reader is the batched-read primitive. Execute returns one result per call, in the same order, or an error if the
// batch as a whole could not be executed.
type Reader interface {
	ChainID() uint64
	Execute(ctx context.Context, calls []types.Call) ([]types.Result, error)
	Close()
}

// Init loads all the readers configured into a map indexed by chain id.
func Init(ctx context.Context, chains []config.ChainConfig, log *zap.Logger) (map[uint64]Reader, error) {
	if log == nil {
		log = zap.NewNop()
	}

	m := make(map[uint64]Reader, len(chains))

	for _, ch := range chains {
		var (
			r   Reader
			err error
		)

		if ch.Multicall {
			r, err = ethereum.Dial(ctx, ch.Node, ch.Secret, ch.ChainID, log)
		} else {
			r, err = ethereum.Init(ch.Node, ch.Secret, ch.ChainID)
		}

		if err != nil {
			End(m)

			return nil, fmt.Errorf("chain %s: %w", ch.Name, err)
		}

		log.Info("chain reader loaded", zap.String("name", ch.Name), zap.Uint64("chain", ch.ChainID),
			zap.Bool("multicall", ch.Multicall))

		m[ch.ChainID] = r
	}

	return m, nil
}

// End closes gracefully all the readers opened.
func End(readers map[uint64]Reader) {
	for _, r := range readers {
		r.Close()
	}
}

// Natives returns the native coin configuration of the chains that have one.
func Natives(chains []config.ChainConfig) map[uint64]types.NativeAsset {
	m := make(map[uint64]types.NativeAsset, len(chains))

	for _, ch := range chains {
		if ch.Native == nil || !common.IsHexAddress(ch.Native.Wrapped) {
			continue
		}

		m[ch.ChainID] = types.NativeAsset{
			Wrapped:    common.HexToAddress(ch.Native.Wrapped),
			CoinSymbol: ch.Native.CoinSymbol,
			CoinName:   ch.Native.CoinName,
		}
	}

	return m
}
