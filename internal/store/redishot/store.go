/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package redishot implements the hot-tier record store on Redis.
package redishot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tundralabs/tundra/internal/record"
	"github.com/tundralabs/tundra/internal/store/hot"
)

// Compile-time interface check.
var _ hot.Store = (*Store)(nil)

// maxTxRetries bounds optimistic-transaction retries in DeleteIf.
const maxTxRetries = 5

// Store implements hot.Store using Redis.
type Store struct {
	client     goredis.UniversalClient
	keyPrefix  string
	ownsClient bool
}

// New creates a Store that owns the underlying Redis client. The client is
// created from cfg and verified with a PING. Close will shut down the client.
func New(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redishot: at least one address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLS,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redishot: failed to connect: %w", err)
	}

	return &Store{client: client, keyPrefix: prefix, ownsClient: true}, nil
}

// NewFromClient wraps an existing UniversalClient. Close is a no-op because
// the caller retains ownership of the client.
func NewFromClient(client goredis.UniversalClient, opts Options) *Store {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: prefix, ownsClient: false}
}

// recordKey returns the Redis key for a record. The partition key is the
// hash tag so a partition's records share a cluster slot.
func (s *Store) recordKey(partitionKey, id string) string {
	return s.keyPrefix + "rec:{" + partitionKey + "}:" + id
}

func (s *Store) Get(ctx context.Context, partitionKey, id string) (*record.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(partitionKey, id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, record.ErrNotFound
		}
		return nil, record.Unavailable("redishot: get", err)
	}

	var r record.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("redishot: unmarshal record: %w", err)
	}
	return &r, nil
}

func (s *Store) Put(ctx context.Context, r *record.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redishot: marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.recordKey(r.PartitionKey, r.ID), data, 0).Err(); err != nil {
		return record.Unavailable("redishot: set", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, partitionKey, id string) error {
	n, err := s.client.Del(ctx, s.recordKey(partitionKey, id)).Result()
	if err != nil {
		return record.Unavailable("redishot: del", err)
	}
	if n == 0 {
		return record.ErrNotFound
	}
	return nil
}

// DeleteIf deletes the record only if its stored timestamp equals ts, using
// an optimistic WATCH transaction so a concurrent rewrite aborts the delete.
func (s *Store) DeleteIf(ctx context.Context, partitionKey, id string, ts time.Time) error {
	key := s.recordKey(partitionKey, id)

	txn := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return record.ErrNotFound
			}
			return err
		}
		var r record.Record
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		if !r.Timestamp.Equal(ts) {
			return hot.ErrModified
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			continue // key changed under WATCH; re-read
		case errors.Is(err, record.ErrNotFound), errors.Is(err, hot.ErrModified):
			return err
		default:
			return record.Unavailable("redishot: delete-if", err)
		}
	}
	return hot.ErrModified
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// RedisClient returns the underlying Redis client. This allows other
// components (e.g. the Redis location index) to share the same connection
// without owning it.
func (s *Store) RedisClient() goredis.UniversalClient {
	return s.client
}
