package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleCfg struct {
	Name    string `mapstructure:"name"`
	Auction struct {
		CommitWindow time.Duration `mapstructure:"commit_window"`
		RevealWindow time.Duration `mapstructure:"reveal_window"`
	} `mapstructure:"auction"`
	Tokens map[string]string `mapstructure:"tokens"`
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`name: auction-engine
auction:
  commit_window: 30s
  reveal_window: 15s
tokens:
  WETH: "0x00000000000000000000000000000000000000aa"
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auction-test.yaml"), yaml, 0o644))

	t.Setenv("AUCTION_TEST_AUCTION_REVEAL_WINDOW", "5s")

	var cfg sampleCfg
	_, err := Load("auction-test", []string{dir}, &cfg)
	require.NoError(t, err)

	assert.Equal(t, "auction-engine", cfg.Name)
	assert.Equal(t, 30*time.Second, cfg.Auction.CommitWindow)
	assert.Equal(t, 5*time.Second, cfg.Auction.RevealWindow)
	// viper 的 key 大小写不敏感，map key 会被转小写
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", cfg.Tokens["weth"])
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg sampleCfg
	_, err := Load("no-such-service", []string{t.TempDir()}, &cfg)
	assert.Error(t, err)
}
