package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store 记录每个用户的在线连接数，首个连接上线、最后一个连接下线。
type Store interface {
	Connect(ctx context.Context, userID uint) (first bool, err error)
	Disconnect(ctx context.Context, userID uint) (last bool, err error)
	IsOnline(ctx context.Context, userID uint) (bool, error)
	Touch(ctx context.Context, userID uint) error
}

const keyPrefix = "im:presence:"

func key(userID uint) string { return keyPrefix + strconv.FormatUint(uint64(userID), 10) }

// RedisStore 用 INCR/DECR 维护计数，键带 TTL，进程异常退出后计数会自然过期。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Connect(ctx context.Context, userID uint) (bool, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key(userID))
	pipe.Expire(ctx, key(userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() == 1, nil
}

func (s *RedisStore) Disconnect(ctx context.Context, userID uint) (bool, error) {
	n, err := s.rdb.Decr(ctx, key(userID)).Result()
	if err != nil {
		return false, err
	}
	if n <= 0 {
		if err := s.rdb.Del(ctx, key(userID)).Err(); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID uint) (bool, error) {
	n, err := s.rdb.Get(ctx, key(userID)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch 续期在线键，由连接的心跳调用。
func (s *RedisStore) Touch(ctx context.Context, userID uint) error {
	return s.rdb.Expire(ctx, key(userID), s.ttl).Err()
}

// MemoryStore 是单进程下的实现，未配置 Redis 时使用。
type MemoryStore struct {
	mu     sync.Mutex
	counts map[uint]int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{counts: make(map[uint]int)} }

func (s *MemoryStore) Connect(_ context.Context, userID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[userID]++
	return s.counts[userID] == 1, nil
}

func (s *MemoryStore) Disconnect(_ context.Context, userID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[userID] <= 1 {
		delete(s.counts, userID)
		return true, nil
	}
	s.counts[userID]--
	return false, nil
}

func (s *MemoryStore) IsOnline(_ context.Context, userID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[userID] > 0, nil
}

func (s *MemoryStore) Touch(context.Context, uint) error { return nil }
