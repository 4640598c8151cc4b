// Package erc20 encodes and decodes the ERC20 and Multicall3 calls used to read balances and token metadata.
package erc20

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tarancss/portfolio/lib/block/types"
)

// decimals is declared as uint256 so out of range values are detected instead of truncated.
const erc20JSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

const multicallJSON = `[
{"type":"function","name":"getEthBalance","stateMutability":"view","inputs":[{"name":"addr","type":"address"}],"outputs":[{"name":"balance","type":"uint256"}]},
{"type":"function","name":"aggregate3","stateMutability":"payable","inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],"outputs":[{"name":"returnData","type":"tuple[]","components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}
]`

//nolint:gochecknoglobals // parsed once
var (
	tokenABI     = mustParse(erc20JSON)
	multicallABI = mustParse(multicallJSON)
	uintArgs     = abi.Arguments{{Type: mustType("uint256")}}
	stringArgs   = abi.Arguments{{Type: mustType("string")}}
)

func mustParse(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}

	return a
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}

	return typ
}

// call3 mirrors Multicall3.Call3.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// result3 mirrors Multicall3.Result.
type result3 struct {
	Success    bool
	ReturnData []byte
}

// Pack returns the calldata for the call.
func Pack(c types.Call) ([]byte, error) {
	switch c.Method {
	case types.BalanceOf:
		return tokenABI.Pack("balanceOf", c.Owner)
	case types.Decimals:
		return tokenABI.Pack("decimals")
	case types.Symbol:
		return tokenABI.Pack("symbol")
	case types.Name:
		return tokenABI.Pack("name")
	case types.NativeBalance:
		return multicallABI.Pack("getEthBalance", c.Owner)
	}

	return nil, fmt.Errorf("erc20: cannot pack method %d", c.Method)
}

// Target returns the contract a call has to be sent to. Native balances are read from Multicall3.
func Target(c types.Call) common.Address {
	if c.Method == types.NativeBalance {
		return types.Multicall3
	}

	return c.Target
}

// PackAggregate3 encodes all the calls into a single Multicall3 aggregate3 call allowing each of them to fail.
func PackAggregate3(calls []types.Call) ([]byte, error) {
	in := make([]call3, len(calls))

	for i, c := range calls {
		data, err := Pack(c)
		if err != nil {
			return nil, err
		}

		in[i] = call3{Target: Target(c), AllowFailure: true, CallData: data}
	}

	return multicallABI.Pack("aggregate3", in)
}

// UnpackAggregate3 decodes the return data of an aggregate3 call.
func UnpackAggregate3(data []byte) ([]types.Result, error) {
	out, err := multicallABI.Unpack("aggregate3", data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrDecode, err)
	}

	if len(out) != 1 {
		return nil, types.ErrDecode
	}

	res := *abi.ConvertType(out[0], new([]result3)).(*[]result3) //nolint:forcetypeassert // ConvertType returns proto type

	r := make([]types.Result, len(res))
	for i := range res {
		r[i] = types.Result{Success: res[i].Success, ReturnData: res[i].ReturnData}
	}

	return r, nil
}

// DecodeUint decodes a uint256 return value.
func DecodeUint(data []byte) (*big.Int, error) {
	out, err := uintArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrDecode, err)
	}

	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, types.ErrDecode
	}

	return v, nil
}

// DecodeString decodes a string return value. Old tokens returning bytes32 are also accepted, trailing zero bytes are
// removed.
func DecodeString(data []byte) (string, error) {
	out, err := stringArgs.Unpack(data)
	if err == nil {
		if s, ok := out[0].(string); ok {
			return s, nil
		}
	}

	if len(data) == common.HashLength {
		return string(bytes.TrimRight(data, "\x00")), nil
	}

	return "", types.ErrDecode
}

// EncodeUint encodes v as a uint256 return value.
func EncodeUint(v *big.Int) []byte {
	data, err := uintArgs.Pack(v)
	if err != nil {
		return nil
	}

	return data
}

// EncodeString encodes s as a string return value.
func EncodeString(s string) []byte {
	data, err := stringArgs.Pack(s)
	if err != nil {
		return nil
	}

	return data
}

// EncodeAggregate3 encodes results as the return data of an aggregate3 call.
func EncodeAggregate3(res []types.Result) ([]byte, error) {
	out := make([]result3, len(res))
	for i := range res {
		out[i] = result3{Success: res[i].Success, ReturnData: res[i].ReturnData}
	}

	return multicallABI.Methods["aggregate3"].Outputs.Pack(out)
}

// Aggregate3Selector returns the 4 bytes selecting aggregate3.
func Aggregate3Selector() []byte {
	return multicallABI.Methods["aggregate3"].ID
}

// UnpackAggregate3Input decodes the calldata of an aggregate3 call (without selector) into target and calldata pairs.
func UnpackAggregate3Input(data []byte) ([]common.Address, [][]byte, error) {
	out, err := multicallABI.Methods["aggregate3"].Inputs.Unpack(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", types.ErrDecode, err)
	}

	in := *abi.ConvertType(out[0], new([]call3)).(*[]call3) //nolint:forcetypeassert // ConvertType returns proto type

	targets := make([]common.Address, len(in))
	calls := make([][]byte, len(in))

	for i := range in {
		targets[i], calls[i] = in[i].Target, in[i].CallData
	}

	return targets, calls, nil
}

// MethodOf returns the read method selected by calldata.
func MethodOf(data []byte) (types.Method, bool) {
	if len(data) < 4 { //nolint:gomnd // selector length
		return 0, false
	}

	if m, err := tokenABI.MethodById(data[:4]); err == nil {
		switch m.Name {
		case "balanceOf":
			return types.BalanceOf, true
		case "decimals":
			return types.Decimals, true
		case "symbol":
			return types.Symbol, true
		case "name":
			return types.Name, true
		}
	}

	if m, err := multicallABI.MethodById(data[:4]); err == nil && m.Name == "getEthBalance" {
		return types.NativeBalance, true
	}

	return 0, false
}
