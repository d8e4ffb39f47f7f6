package settlement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
)

// RedisStore 多实例部署时共享结算状态，claim 用 SETNX
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "darkpool:settlement:"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) claimKey(batchID uint64) string {
	return s.prefix + "claim:" + strconv.FormatUint(batchID, 10)
}

func (s *RedisStore) reportKey(batchID uint64) string {
	return s.prefix + "report:" + strconv.FormatUint(batchID, 10)
}

func (s *RedisStore) Claim(ctx context.Context, batchID uint64) (bool, error) {
	return s.rdb.SetNX(ctx, s.claimKey(batchID), time.Now().UnixMilli(), s.ttl).Result()
}

func (s *RedisStore) Save(ctx context.Context, rep Report) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.reportKey(rep.BatchID), b, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, batchID uint64) (Report, bool, error) {
	b, err := s.rdb.Get(ctx, s.reportKey(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}
	var rep Report
	if err := json.Unmarshal(b, &rep); err != nil {
		return Report{}, false, err
	}
	return rep, true, nil
}
