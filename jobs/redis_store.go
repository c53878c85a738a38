package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/richinsley/comfy2video/handler"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

const redisKeyPrefix = "comfy2video:job:"

// RedisStore keeps job records as JSON strings with a TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "jobs.RedisStore.Create", "encode record")
	}
	ok, err := s.rdb.SetNX(ctx, redisKey(rec.ID), b, s.ttl).Result()
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "jobs.RedisStore.Create", "redis write failed")
	}
	if !ok {
		return errors.Newf(errors.CodeInternal, "job %s already exists", rec.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	b, err := s.rdb.Get(ctx, redisKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("job", id)
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "jobs.RedisStore.Get", "redis read failed")
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrap(err, "jobs.RedisStore.Get", "decode record")
	}
	return &rec, nil
}

// Update rewrites the record inside a WATCH transaction so concurrent updates
// cannot resurrect a terminal record.
func (s *RedisStore) Update(ctx context.Context, id string, status Status, out *handler.Output) error {
	key := redisKey(id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return errors.NotFound("job", id)
		}
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeUnavailable, "jobs.RedisStore.Update", "redis read failed")
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return errors.Wrap(err, "jobs.RedisStore.Update", "decode record")
		}
		if rec.Status.IsTerminal() {
			return nil
		}
		rec.Status = status
		if out != nil {
			rec.Output = out
		}
		rec.UpdatedAt = time.Now().UTC()
		nb, err := json.Marshal(&rec)
		if err != nil {
			return errors.Wrap(err, "jobs.RedisStore.Update", "encode record")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, s.ttl)
			return nil
		})
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeUnavailable, "jobs.RedisStore.Update", "redis write failed")
		}
		return nil
	}, key)
}

// Close is a no-op; the redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
