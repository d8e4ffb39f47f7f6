package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"darkpool.com/pkg/logger"
)

// 只有锁的持有者可以续期 / 释放
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLockMaster 多副本部署时选出唯一推进批次时钟的节点
type RedisLockMaster struct {
	rdb *redis.Client
	id  string // 当前节点唯一 id
	key string
	ttl time.Duration
}

func NewRedisLockMaster(rdb *redis.Client, key string, ttl time.Duration) *RedisLockMaster {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisLockMaster{
		rdb: rdb,
		id:  fmt.Sprintf("%s-%d", uuid.NewString(), time.Now().UnixNano()),
		key: key,
		ttl: ttl,
	}
}

func (r *RedisLockMaster) ID() string { return r.id }

// TryAcquireMaster SETNX 抢锁；已经是自己的锁则续期
func (r *RedisLockMaster) TryAcquireMaster(ctx context.Context) bool {
	ok, err := r.rdb.SetNX(ctx, r.key, r.id, r.ttl).Result()
	if err != nil {
		logger.Warn(ctx, "leader lock error", zap.String("node", r.id), zap.Error(err))
		return false
	}
	if ok {
		return true
	}
	n, err := renewScript.Run(ctx, r.rdb, []string{r.key}, r.id, r.ttl.Milliseconds()).Int64()
	if err != nil {
		logger.Warn(ctx, "leader lock renew error", zap.String("node", r.id), zap.Error(err))
		return false
	}
	return n == 1
}

// IsLeader 供 engine 的时钟循环调用
func (r *RedisLockMaster) IsLeader(ctx context.Context) bool {
	return r.TryAcquireMaster(ctx)
}

func (r *RedisLockMaster) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, r.rdb, []string{r.key}, r.id).Err()
}
