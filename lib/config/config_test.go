// config_test.go tests config files
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// filesToTest are relative paths to the sample configuration files (ie. portfolio/cmd/conf.json)
var (
	jsonFile = "../../cmd/conf.json"
	yamlFile = "../../cmd/conf.yaml"
)

// TestConfig extracts config from the JSON sample and checks values loaded.
func TestConfig(t *testing.T) {
	conf, err := ExtractConfiguration(jsonFile)
	require.NoError(t, err)

	assert.Equal(t, "3030", conf.Port)
	require.Len(t, conf.Chains, 3)
	assert.Equal(t, "mainnet", conf.Chains[0].Name)
	assert.Equal(t, uint64(10), conf.Chains[1].ChainID)
	assert.Nil(t, conf.Chains[2].Native)
	assert.False(t, conf.Chains[2].Multicall)
	assert.Equal(t, Windows{Full: 5000, Partial: 2000, Sync: 100}, conf.Windows)
	assert.Equal(t, "ETH", conf.Chains[0].Native.CoinSymbol)
}

// TestConfigYAML extracts config from the YAML sample.
func TestConfigYAML(t *testing.T) {
	conf, err := ExtractConfiguration(yamlFile)
	require.NoError(t, err)

	assert.Equal(t, "postgresql", conf.DBType)
	assert.Equal(t, "3031", conf.Port)
	require.Len(t, conf.Chains, 2)
	assert.Equal(t, uint64(250), conf.Chains[1].ChainID)
	assert.Nil(t, conf.Chains[1].Native)
	assert.Equal(t, 50, conf.Windows.Sync)
	assert.Equal(t, uint32(1), conf.Index)
	// not in the file, so the default stays
	assert.Equal(t, QuoteDefault.CowswapURL, conf.Quote.CowswapURL)
}

// TestConfigEnv checks OS ENV variables override file values.
func TestConfigEnv(t *testing.T) {
	t.Setenv("PORTFOLIO_PORT", "4040")
	t.Setenv("PORTFOLIO_WINDOWS", `{"full":10,"partial":5,"sync":1}`)
	t.Setenv("PORTFOLIO_CHAINS", `[{"name":"local","chainId":31337,"node":"http://localhost:8545"}]`)

	conf, err := ExtractConfiguration(jsonFile)
	require.NoError(t, err)

	assert.Equal(t, "4040", conf.Port)
	assert.Equal(t, Windows{Full: 10, Partial: 5, Sync: 1}, conf.Windows)
	require.Len(t, conf.Chains, 1)
	assert.Equal(t, uint64(31337), conf.Chains[0].ChainID)

	t.Setenv("PORTFOLIO_CHAINS", `{not json`)

	_, err = ExtractConfiguration("")
	assert.Error(t, err)
}

// TestConfigDefaults checks the chains in files never mix with the default chains.
func TestConfigDefaults(t *testing.T) {
	before := defaultChains()

	conf, err := ExtractConfiguration(jsonFile)
	require.NoError(t, err)
	require.Len(t, conf.Chains, 3)
	assert.Equal(t, uint64(11155111), conf.Chains[2].ChainID)
	assert.Nil(t, conf.Chains[2].Native)
	assert.Equal(t, before, ChainsDefault)

	t.Setenv("PORTFOLIO_CHAINS", `[{"name":"local","chainId":31337,"node":"http://localhost:8545"}]`)

	conf, err = ExtractConfiguration("")
	require.NoError(t, err)
	require.Len(t, conf.Chains, 1)
	assert.Nil(t, conf.Chains[0].Native)
	assert.Equal(t, before, ChainsDefault)

	// no chains in file or env
	fn := filepath.Join(t.TempDir(), "conf.yaml")
	require.NoError(t, os.WriteFile(fn, []byte("port: \"5050\"\n"), 0o600))
	t.Setenv("PORTFOLIO_CHAINS", "")

	conf, err = ExtractConfiguration(fn)
	require.NoError(t, err)
	assert.Equal(t, ChainsDefault, conf.Chains)

	conf.Chains[0].Native.CoinSymbol = "XXX"
	assert.Equal(t, "ETH", ChainsDefault[0].Native.CoinSymbol)
}

func TestConfigErrors(t *testing.T) {
	_, err := ExtractConfiguration("nonexistent.json")
	assert.Error(t, err)

	dir := t.TempDir()
	fn := filepath.Join(dir, "conf.toml")
	require.NoError(t, os.WriteFile(fn, []byte("port = 1"), 0o600))

	_, err = ExtractConfiguration(fn)
	assert.ErrorIs(t, err, ErrConfigFormat)

	fn = filepath.Join(dir, "conf.yaml")
	require.NoError(t, os.WriteFile(fn, []byte("windows:\n  full: 0\n"), 0o600))

	_, err = ExtractConfiguration(fn)
	assert.ErrorIs(t, err, ErrWindow)

	dup := ServiceConfig{
		Chains:  []ChainConfig{{Name: "a", ChainID: 1}, {Name: "b", ChainID: 1}},
		Windows: WindowsDefault,
	}
	assert.ErrorIs(t, dup.Validate(), ErrChainID)
	assert.ErrorIs(t, ServiceConfig{Windows: WindowsDefault}.Validate(), ErrNoChains)

	ch, ok := ServiceConfig{Chains: ChainsDefault}.Chain(250)
	assert.True(t, ok)
	assert.Equal(t, "fantom", ch.Name)
}
