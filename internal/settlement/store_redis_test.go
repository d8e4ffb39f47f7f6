package settlement

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darkpool.com/pkg/xredis"
)

// 需要真实 redis：DARKPOOL_TEST_REDIS=127.0.0.1:6379
func TestRedisStore_ClaimSaveLoad(t *testing.T) {
	addr := os.Getenv("DARKPOOL_TEST_REDIS")
	if addr == "" {
		t.Skip("DARKPOOL_TEST_REDIS not set")
	}
	rdb, err := xredis.NewRedis(&xredis.Config{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	ctx := context.Background()
	prefix := "darkpool:test:" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":"
	s := NewRedisStore(rdb, prefix, time.Minute)
	defer rdb.Del(ctx, s.claimKey(1), s.reportKey(1))

	ok, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Claim(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses")

	_, found, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	rep := Report{BatchID: 1, Status: StatusSettled, TxHash: "0x01", Instructions: BuildInstructions(sampleMatches())}
	require.NoError(t, s.Save(ctx, rep))
	back, found, err := s.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rep.Instructions, back.Instructions)
	assert.Equal(t, StatusSettled, back.Status)
}
