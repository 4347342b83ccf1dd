package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"peepal-go/internal/models"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "peepal"
	maxTxRetries     = 5
)

// RedisStore keeps each subscriber as a JSON value and indexes the schedule
// in a sorted set scored by nextAt (Unix ms), so Due is a range query.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisStore(opts *redis.Options) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(opts), defaultKeyPrefix)
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, logger: slog.Default()}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "ping redis")
}

func (s *RedisStore) subscriberKey(endpoint string) string {
	return s.prefix + ":subscriber:" + endpoint
}

func (s *RedisStore) scheduleKey() string {
	return s.prefix + ":schedule"
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter, key string) (models.Subscriber, bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return models.Subscriber{}, false, nil
	}
	if err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "get subscriber")
	}
	var rec models.Subscriber
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "decode subscriber")
	}
	return rec, true, nil
}

func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, rec models.Subscriber) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode subscriber")
	}
	pipe.Set(ctx, s.subscriberKey(rec.Endpoint()), data, 0)
	pipe.ZAdd(ctx, s.scheduleKey(), redis.Z{
		Score:  float64(rec.NextAt.UnixMilli()),
		Member: rec.Endpoint(),
	})
	return nil
}

// watch runs fn in an optimistic WATCH/MULTI transaction, retrying when a
// watched key changes underneath it.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return errors.New("redis transaction retries exhausted")
}

func (s *RedisStore) Upsert(ctx context.Context, sub models.PushSubscription, now time.Time) (models.Subscriber, bool, error) {
	key := s.subscriberKey(sub.Endpoint)
	var (
		rec     models.Subscriber
		created bool
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, ok, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if ok {
			existing.Subscription = sub
			rec, created = existing, false
		} else {
			rec, created = models.NewSubscriber(sub, now), true
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, rec)
		})
		return err
	}, key)
	if err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "upsert subscriber")
	}
	return rec, created, nil
}

func (s *RedisStore) SetPreferences(ctx context.Context, endpoint string, frequencyMinutes int, language models.Language, now time.Time) (models.Subscriber, error) {
	key := s.subscriberKey(endpoint)
	var rec models.Subscriber
	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, ok, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		applyPreferences(&existing, frequencyMinutes, language, now)
		rec = existing
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, rec)
		})
		return err
	}, key)
	if err == ErrNotFound {
		return models.Subscriber{}, ErrNotFound
	}
	if err != nil {
		return models.Subscriber{}, errors.Wrap(err, "set preferences")
	}
	return rec, nil
}

func (s *RedisStore) Rotate(ctx context.Context, oldEndpoint string, sub models.PushSubscription, now time.Time) (models.Subscriber, bool, error) {
	if oldEndpoint == "" {
		rec, _, err := s.Upsert(ctx, sub, now)
		return rec, false, err
	}

	oldKey := s.subscriberKey(oldEndpoint)
	newKey := s.subscriberKey(sub.Endpoint)
	var (
		rec   models.Subscriber
		found bool
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		old, ok, err := s.read(ctx, tx, oldKey)
		if err != nil || !ok {
			found = false
			return err
		}
		found = true
		old.Subscription = sub
		rec = old
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, oldKey)
			pipe.ZRem(ctx, s.scheduleKey(), oldEndpoint)
			return s.write(ctx, pipe, rec)
		})
		return err
	}, oldKey, newKey)
	if err != nil {
		return models.Subscriber{}, false, errors.Wrap(err, "rotate subscriber")
	}
	if !found {
		rec, _, err := s.Upsert(ctx, sub, now)
		return rec, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) Remove(ctx context.Context, endpoint string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.subscriberKey(endpoint))
		pipe.ZRem(ctx, s.scheduleKey(), endpoint)
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "remove subscriber")
	}
	return del.Val() > 0, nil
}

func (s *RedisStore) Get(ctx context.Context, endpoint string) (models.Subscriber, error) {
	rec, ok, err := s.read(ctx, s.client, s.subscriberKey(endpoint))
	if err != nil {
		return models.Subscriber{}, err
	}
	if !ok {
		return models.Subscriber{}, ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) List(ctx context.Context) ([]models.Subscriber, error) {
	endpoints, err := s.client.ZRange(ctx, s.scheduleKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list schedule")
	}
	return s.fetch(ctx, endpoints)
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.scheduleKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "count subscribers")
	}
	return int(n), nil
}

func (s *RedisStore) Due(ctx context.Context, now time.Time) ([]models.Subscriber, error) {
	endpoints, err := s.client.ZRangeByScore(ctx, s.scheduleKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range schedule")
	}
	recs, err := s.fetch(ctx, endpoints)
	if err != nil {
		return nil, err
	}
	due := recs[:0]
	for _, rec := range recs {
		if rec.Due(now) {
			due = append(due, rec)
		}
	}
	return due, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, endpoint string, now time.Time) (bool, error) {
	key := s.subscriberKey(endpoint)
	var found bool
	err := s.watch(ctx, func(tx *redis.Tx) error {
		rec, ok, err := s.read(ctx, tx, key)
		if err != nil || !ok {
			found = false
			return err
		}
		found = true
		rec.NextAt = now.Add(rec.Interval())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, rec)
		})
		return err
	}, key)
	if err != nil {
		return false, errors.Wrap(err, "mark delivered")
	}
	return found, nil
}

// fetch loads records for endpoints in order. Schedule entries whose record
// is missing are dropped; undecodable records are deleted along with their
// schedule entry so the endpoint can register again.
func (s *RedisStore) fetch(ctx context.Context, endpoints []string) ([]models.Subscriber, error) {
	if len(endpoints) == 0 {
		return []models.Subscriber{}, nil
	}
	keys := make([]string, len(endpoints))
	for i, e := range endpoints {
		keys[i] = s.subscriberKey(e)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load subscribers")
	}

	recs := make([]models.Subscriber, 0, len(vals))
	var orphans []any
	var corrupt []string
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			orphans = append(orphans, endpoints[i])
			continue
		}
		var rec models.Subscriber
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.logger.Error("dropping undecodable subscriber record",
				"endpoint", models.RedactEndpoint(endpoints[i]), "error", err)
			orphans = append(orphans, endpoints[i])
			corrupt = append(corrupt, keys[i])
			continue
		}
		recs = append(recs, rec)
	}
	if len(orphans) > 0 {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, s.scheduleKey(), orphans...)
			if len(corrupt) > 0 {
				pipe.Del(ctx, corrupt...)
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to drop orphaned schedule entries", "count", len(orphans), "error", err)
		}
	}
	return recs, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
