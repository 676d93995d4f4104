package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "oms"

// Option configures the Redis store.
type Option func(*redisStore)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) Option {
	return func(s *redisStore) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithTTL sets the expiry applied to every update key.
func WithTTL(ttl time.Duration) Option {
	return func(s *redisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// redisStore implements Store on Redis. Updates are JSON values with
// TTL-based expiry; a set keeps the index of known lock ids.
type redisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	closed    atomic.Bool
}

var _ Store = (*redisStore)(nil)

// NewRedis connects to redisURL (e.g. "redis://localhost:6379/0") and
// verifies connectivity before returning the store.
func NewRedis(redisURL string, opts ...Option) (Store, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	s := &redisStore{
		client:    client,
		namespace: defaultNamespace,
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *redisStore) key(lockID string) string {
	return s.namespace + ":lockprog:" + lockID
}

func (s *redisStore) indexKey() string {
	return s.namespace + ":lockprog:index"
}

func (s *redisStore) Put(ctx context.Context, u Update) error {
	if s.closed.Load() {
		return fmt.Errorf("progress store is closed")
	}
	if u.LockID == "" {
		return fmt.Errorf("progress update missing lock id")
	}

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(u.LockID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), u.LockID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing progress: %w", err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, lockID string) (*Update, bool, error) {
	if s.closed.Load() {
		return nil, false, fmt.Errorf("progress store is closed")
	}

	data, err := s.client.Get(ctx, s.key(lockID)).Bytes()
	if err == redis.Nil {
		// Expired but possibly still indexed.
		s.client.SRem(ctx, s.indexKey(), lockID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting progress: %w", err)
	}

	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, false, fmt.Errorf("unmarshaling progress: %w", err)
	}
	return &u, true, nil
}

func (s *redisStore) List(ctx context.Context) ([]*Update, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("progress store is closed")
	}

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing progress index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching progress: %w", err)
	}

	var out []*Update
	var expired []interface{}
	for i, val := range values {
		if val == nil {
			expired = append(expired, ids[i])
			continue
		}
		str, ok := val.(string)
		if !ok {
			continue
		}
		var u Update
		if err := json.Unmarshal([]byte(str), &u); err != nil {
			continue
		}
		out = append(out, &u)
	}
	if len(expired) > 0 {
		s.client.SRem(ctx, s.indexKey(), expired...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LockID < out[j].LockID })
	return out, nil
}

func (s *redisStore) Delete(ctx context.Context, lockID string) error {
	if s.closed.Load() {
		return fmt.Errorf("progress store is closed")
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(lockID))
	pipe.SRem(ctx, s.indexKey(), lockID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting progress: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	s.closed.Store(true)
	return s.client.Close()
}
