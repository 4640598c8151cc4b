// Package types common chain types.
package types

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Reserved addresses.
var (
	// NativeAddress is the sentinel used to request the native coin of a chain.
	NativeAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE") //nolint:gochecknoglobals // sentinel
	// Multicall3 is deployed at the same address on every supported chain.
	Multicall3 = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11") //nolint:gochecknoglobals // sentinel
)

// Method identifies the read performed by a Call.
type Method uint8

// Read methods. NativeBalance is served by Multicall3's getEthBalance.
const (
	BalanceOf Method = iota
	Decimals
	Symbol
	Name
	NativeBalance
)

func (m Method) String() string {
	switch m {
	case BalanceOf:
		return "balanceOf"
	case Decimals:
		return "decimals"
	case Symbol:
		return "symbol"
	case Name:
		return "name"
	case NativeBalance:
		return "getEthBalance"
	}

	return "unknown"
}

// Call is a single read against a contract. Owner is only used by BalanceOf and NativeBalance.
type Call struct {
	Method Method         `json:"method"`
	Target common.Address `json:"target"`
	Owner  common.Address `json:"owner,omitempty"`
}

// Result is the outcome of a Call. ReturnData holds the raw ABI encoded return value.
type Result struct {
	Success    bool   `json:"success"`
	ReturnData []byte `json:"returnData"`
}

// Token describes a requested asset. Decimals, Name and Symbol are optional metadata supplied by the caller and only
// used when the chain does not return them.
type Token struct {
	Address       common.Address `json:"address"`
	ChainID       uint64         `json:"chainId"`
	Decimals      *uint8         `json:"decimals,omitempty"`
	Name          string         `json:"name,omitempty"`
	Symbol        string         `json:"symbol,omitempty"`
	SupportedZaps []string       `json:"supportedZaps,omitempty"`
}

// IsNative tells whether the token is the chain's native coin.
func (t Token) IsNative() bool {
	return t.Address == NativeAddress
}

// Key returns the lower case hex address used to index tables.
func (t Token) Key() string {
	return Key(t.Address)
}

// Key returns the lower case hex form of an address.
func Key(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// NativeAsset is the per chain native coin configuration.
type NativeAsset struct {
	Wrapped    common.Address `json:"wrapped"`
	CoinSymbol string         `json:"coinSymbol"`
	CoinName   string         `json:"coinName"`
}

// Error codes.
var (
	ErrNoChain        = errors.New("chain not available")
	ErrResultMismatch = errors.New("number of results does not match number of calls")
	ErrBadAddress     = errors.New("invalid address")
	ErrDecode         = errors.New("unable to decode return data")
)
