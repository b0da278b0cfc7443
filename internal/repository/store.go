// Package repository persists session state. Every driver stores the whole
// domain.Session as one document guarded by an optimistic version number.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pika-helper/internal/domain"
)

var (
	// ErrVersionConflict means the stored session moved since it was read,
	// or a session with the same id was created concurrently.
	ErrVersionConflict = errors.New("repository: version conflict")
	ErrNotFound        = errors.New("repository: session not found")
	ErrInvalidConfig   = errors.New("repository: invalid store configuration")
)

const DefaultTTL = 24 * time.Hour

// Store is a session document store.
type Store interface {
	// Get returns nil, nil when the session does not exist or has expired.
	Get(ctx context.Context, id string) (*domain.Session, error)
	// Create stores a new session and sets Version to 1.
	Create(ctx context.Context, s *domain.Session) error
	// Update writes s if the stored version still equals s.Version, then
	// increments s.Version.
	Update(ctx context.Context, s *domain.Session) error
	Close() error
}

// Kind selects a Store driver.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindDynamoDB Kind = "dynamodb"
	KindRedis    Kind = "redis"
)

type options struct {
	ttl         time.Duration
	dynamo      DynamoDBAPI
	table       string
	redisClient *redis.Client
	now         func() time.Time
}

type Option func(*options)

// WithTTL sets how long an idle session is kept.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

func WithDynamoDB(api DynamoDBAPI, table string) Option {
	return func(o *options) {
		o.dynamo = api
		o.table = table
	}
}

func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redisClient = client }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open builds the Store for kind.
func Open(kind Kind, opts ...Option) (Store, error) {
	o := &options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultTTL
	}

	switch kind {
	case KindMemory, "":
		return newMemoryStore(o.ttl, o.now), nil
	case KindDynamoDB:
		return newDynamoStore(o.dynamo, o.table, o.ttl, o.now)
	case KindRedis:
		if o.redisClient == nil {
			return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
		}
		return newRedisStore(o.redisClient, o.ttl, o.now), nil
	default:
		return nil, fmt.Errorf("%w: unknown store kind %q", ErrInvalidConfig, kind)
	}
}

func stamp(s *domain.Session, now time.Time) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}
