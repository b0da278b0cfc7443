package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pika-helper/internal/domain"
)

const sessionKeyPrefix = "pika:session:"

// redisStore uses WATCH/MULTI/EXEC for optimistic locking. Keys expire after
// ttl of inactivity; reads refresh the expiry.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func newRedisStore(client *redis.Client, ttl time.Duration, now func() time.Time) *redisStore {
	return &redisStore{client: client, ttl: ttl, now: now}
}

func (s *redisStore) key(id string) string {
	return sessionKeyPrefix + id
}

func (s *redisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get session: %w", err)
	}

	sess, err := decodeSession(val)
	if err != nil {
		return nil, err
	}
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return sess, nil
}

func (s *redisStore) Create(ctx context.Context, sess *domain.Session) error {
	sess.Version = 1
	stamp(sess, s.now())
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("repository: marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(sess.ID), val, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("repository: create session: %w", err)
	}
	if !ok {
		return ErrVersionConflict
	}
	return nil
}

func (s *redisStore) Update(ctx context.Context, sess *domain.Session) error {
	key := s.key(sess.ID)
	expected := sess.Version

	next := *sess
	next.Version = expected + 1
	stamp(&next, s.now())

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		stored, err := decodeSession(val)
		if err != nil {
			return err
		}
		if stored.Version != expected {
			return ErrVersionConflict
		}

		newVal, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("repository: marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		return ErrVersionConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("repository: update session: %w", err)
	}

	sess.Version = next.Version
	sess.CreatedAt = next.CreatedAt
	sess.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func decodeSession(val []byte) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, fmt.Errorf("repository: decode session: %w", err)
	}
	if sess.Steps == nil {
		sess.Steps = make(map[domain.Step]*domain.StepState)
	}
	return &sess, nil
}
