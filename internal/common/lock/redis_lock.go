package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const lockKeyPrefix = "Sokovan:Lock:"

// releaseScript deletes the lock key only if it is still held by this owner,
// so an expired lock re-acquired by another replica is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisLockFactory creates Redis-backed locks for multi-node deployments.
type RedisLockFactory struct {
	Db *redis.Client
}

func NewRedisLockFactory(db *redis.Client) *RedisLockFactory {
	return &RedisLockFactory{Db: db}
}

func (f *RedisLockFactory) NewLock(id string) DistributedLock {
	return &redisLock{
		db:    f.Db,
		key:   lockKeyPrefix + id,
		owner: uuid.NewString(),
	}
}

type redisLock struct {
	db    *redis.Client
	key   string
	owner string
}

func (l *redisLock) TryLock(_ context.Context, lifetime time.Duration) (bool, error) {
	acquired, err := l.db.SetNX(l.key, l.owner, lifetime).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return acquired, nil
}

func (l *redisLock) Unlock(_ context.Context) error {
	err := l.db.Eval(releaseScript, []string{l.key}, l.owner).Err()
	if err != nil && err != redis.Nil {
		return errors.WithStack(err)
	}
	return nil
}
