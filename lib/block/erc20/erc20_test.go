package erc20

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/portfolio/lib/block/types"
)

func TestPack(t *testing.T) {
	owner := common.HexToAddress("0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4")
	token := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

	cases := []struct {
		call     types.Call
		selector string
		target   common.Address
	}{
		{types.Call{Method: types.BalanceOf, Target: token, Owner: owner}, "70a08231", token},
		{types.Call{Method: types.Decimals, Target: token}, "313ce567", token},
		{types.Call{Method: types.Symbol, Target: token}, "95d89b41", token},
		{types.Call{Method: types.Name, Target: token}, "06fdde03", token},
		{types.Call{Method: types.NativeBalance, Target: token, Owner: owner}, "4d2301cc", types.Multicall3},
	}

	for _, c := range cases {
		data, err := Pack(c.call)
		require.NoError(t, err, c.call.Method.String())
		assert.Equal(t, c.selector, hex.EncodeToString(data[:4]), c.call.Method.String())
		assert.Equal(t, c.target, Target(c.call), c.call.Method.String())

		m, ok := MethodOf(data)
		assert.True(t, ok)
		assert.Equal(t, c.call.Method, m)
	}

	_, err := Pack(types.Call{Method: types.Method(99)})
	assert.Error(t, err)

	_, ok := MethodOf([]byte{0x01})
	assert.False(t, ok)
}

func TestAggregate3(t *testing.T) {
	token := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	calls := []types.Call{
		{Method: types.Decimals, Target: token},
		{Method: types.Symbol, Target: token},
	}

	data, err := PackAggregate3(calls)
	require.NoError(t, err)
	assert.Equal(t, Aggregate3Selector(), data[:4])

	targets, in, err := UnpackAggregate3Input(data[4:])
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, token, targets[1])

	m, ok := MethodOf(in[1])
	assert.True(t, ok)
	assert.Equal(t, types.Symbol, m)

	res := []types.Result{
		{Success: true, ReturnData: EncodeUint(big.NewInt(6))},
		{Success: false, ReturnData: []byte{}},
	}

	out, err := EncodeAggregate3(res)
	require.NoError(t, err)

	back, err := UnpackAggregate3(out)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.True(t, back[0].Success)
	assert.False(t, back[1].Success)

	_, err = UnpackAggregate3([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, types.ErrDecode)
}

func TestDecode(t *testing.T) {
	v, err := DecodeUint(EncodeUint(big.NewInt(1234)))
	require.NoError(t, err)
	assert.Equal(t, int64(1234), v.Int64())

	_, err = DecodeUint(nil)
	assert.ErrorIs(t, err, types.ErrDecode)

	s, err := DecodeString(EncodeString("Dai Stablecoin"))
	require.NoError(t, err)
	assert.Equal(t, "Dai Stablecoin", s)

	// bytes32 symbols
	s, err = DecodeString(common.RightPadBytes([]byte("MKR"), 32))
	require.NoError(t, err)
	assert.Equal(t, "MKR", s)

	_, err = DecodeString([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, types.ErrDecode)
}
