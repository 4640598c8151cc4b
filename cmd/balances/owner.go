package main

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tarancss/hd"

	"github.com/tarancss/portfolio/lib/config"
)

// ErrOwner is returned when the configured owner is not a valid address.
var ErrOwner = errors.New("invalid owner address")

// ownerAddress returns the owner to track at start. An explicit owner wins over the HD wallet seed, the zero address
// means no owner is configured.
func ownerAddress(conf config.ServiceConfig) (common.Address, error) {
	if conf.Owner != "" {
		if !common.IsHexAddress(conf.Owner) {
			return common.Address{}, fmt.Errorf("%w: %s", ErrOwner, conf.Owner)
		}

		return common.HexToAddress(conf.Owner), nil
	}

	if conf.Seed == "" {
		return common.Address{}, nil
	}

	seed, err := hex.DecodeString(conf.Seed)
	if err != nil {
		return common.Address{}, fmt.Errorf("cannot decode seed: %w", err)
	}

	w, err := hd.Init(seed)
	if err != nil {
		return common.Address{}, fmt.Errorf("cannot initialise HD wallet: %w", err)
	}

	addr, _, _, err := w.Address(conf.Account, hd.External, conf.Index)
	if err != nil {
		return common.Address{}, fmt.Errorf("cannot derive owner %d/%d: %w", conf.Account, conf.Index, err)
	}

	return common.BytesToAddress(addr), nil
}
