// Package redis provides a Redis-backed journal.Store. Records are stored as
// JSON values with an optional TTL and indexed per owner in a sorted set
// scored by session id.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/installsession-go/identity"
	"github.com/ggoodman/installsession-go/journal"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis journal.
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "installsession:journal:"
	KeyPrefix string

	// TTL expires records this long after their last update. Zero keeps them
	// until deleted.
	TTL time.Duration
}

// Store implements journal.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New creates a new Redis-based journal.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Apply defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "installsession:journal:"
	}

	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
	}, nil
}

func (s *Store) recordKey(id int) string {
	return s.keyPrefix + "record:" + strconv.Itoa(id)
}

func (s *Store) ownerKey(owner identity.Identity) string {
	return s.keyPrefix + "owner:" + owner.OwnerName + ":" + strconv.Itoa(owner.UserScope)
}

// Put stores the record and indexes it under its owner.
func (s *Store) Put(ctx context.Context, r *journal.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// An existing record may belong to a different owner index.
	prev, err := s.Get(ctx, r.ID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	if prev != nil && prev.Owner != r.Owner {
		pipe.ZRem(ctx, s.ownerKey(prev.Owner), r.ID)
	}
	pipe.Set(ctx, s.recordKey(r.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.ownerKey(r.Owner), redis.Z{Score: float64(r.ID), Member: r.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save record %d: %w", r.ID, err)
	}
	return nil
}

// Get retrieves a record; a missing or expired record returns nil.
func (s *Store) Get(ctx context.Context, id int) (*journal.Record, error) {
	val, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record %d: %w", id, err)
	}

	var r journal.Record
	if err := json.Unmarshal(val, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %d: %w", id, err)
	}
	return &r, nil
}

// Delete removes the record and its index entry.
func (s *Store) Delete(ctx context.Context, id int) error {
	prev, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(id))
	if prev != nil {
		pipe.ZRem(ctx, s.ownerKey(prev.Owner), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete record %d: %w", id, err)
	}
	return nil
}

// List returns the owner's records, pruning index entries whose record
// expired.
func (s *Store) List(ctx context.Context, owner identity.Identity) ([]*journal.Record, error) {
	members, err := s.client.ZRange(ctx, s.ownerKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	out := make([]*journal.Record, 0, len(members))
	var stale []any
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			stale = append(stale, m)
			continue
		}
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil || r.Owner != owner {
			stale = append(stale, m)
			continue
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.ownerKey(owner), stale...).Err()
	}
	return out, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ journal.Store = (*Store)(nil)
