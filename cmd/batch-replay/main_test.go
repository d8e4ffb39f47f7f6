package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkpool.com/internal/engine"
	"darkpool.com/internal/settlement"
)

func TestReplay_FreshJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auction.wal")
	eng, err := engine.New(engine.Config{JournalPath: path},
		settlement.NewEmitter(settlement.NewDryRunLedger(), nil, settlement.Config{}))
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--journal", path})
	require.NoError(t, rootCmd.Execute())

	var rep engine.AuditReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.True(t, rep.OK())
	assert.Equal(t, 0, rep.Batches)
	assert.Positive(t, rep.Records)
}

func TestReplay_MissingJournal(t *testing.T) {
	rootCmd.SetArgs([]string{"--journal", filepath.Join(t.TempDir(), "nope.wal")})
	assert.Error(t, rootCmd.Execute())
}
