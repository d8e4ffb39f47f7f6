package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkpool.com/internal/config"
	"darkpool.com/internal/engine"
)

func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Name: "auction-engine-test",
		HTTP: config.HTTPConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Auction: engine.Config{
			CommitWindow: time.Minute,
			RevealWindow: time.Minute,
			TickInterval: 10 * time.Millisecond,
			JournalPath:  t.TempDir() + "/auction.wal",
		},
		Tokens: map[string]string{"WETH": "0x1111111111111111111111111111111111111111"},
		Broker: config.BrokerConfig{Kind: "mem", Prefix: "darkpool"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestApp_RunAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	assert.EqualValues(t, 1, a.Engine().CurrentBatch().BatchID)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}
}

func TestApp_NewFailsOnBadLedgerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settlement.Ledger.RPCURL = "http://127.0.0.1:1"
	cfg.Settlement.Ledger.Contract = "not-an-address"
	cfg.Settlement.Ledger.PrivateKey = "0x01"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApp_NewFailsOnBadToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tokens = map[string]string{"BAD": "0x12"}

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
