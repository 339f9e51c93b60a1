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

// Package redisindex implements the location index on Redis. Entries are
// JSON values under per-record keys; hot- and migrating-tier entries are
// additionally tracked in per-tier sorted sets scored by record timestamp,
// which makes the migration worker's candidate and recovery scans bounded
// ZRANGEBYSCORE calls instead of keyspace walks.
//
// Entry keys and the tier sets are distinct keys, so the index assumes a
// standalone (or single-slot) Redis deployment.
package redisindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tundralabs/tundra/internal/index"
	"github.com/tundralabs/tundra/internal/record"
)

// Compile-time interface check.
var _ index.LocationIndex = (*Index)(nil)

// maxTxRetries bounds optimistic-transaction retries on WATCH conflicts.
const maxTxRetries = 5

// Index implements index.LocationIndex using Redis.
type Index struct {
	client     goredis.UniversalClient
	keyPrefix  string
	ownsClient bool
}

// New creates an Index that owns the underlying Redis client. The client is
// created from cfg and verified with a PING. Close will shut down the client.
func New(cfg Config) (*Index, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redisindex: at least one address is required")
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
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisindex: failed to connect: %w", err)
	}

	return &Index{client: client, keyPrefix: prefix, ownsClient: true}, nil
}

// NewFromClient wraps an existing UniversalClient. Close is a no-op because
// the caller retains ownership of the client.
func NewFromClient(client goredis.UniversalClient, opts Options) *Index {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Index{client: client, keyPrefix: prefix, ownsClient: false}
}

// --- key helpers -----------------------------------------------------------

func (i *Index) entryKey(partitionKey, id string) string {
	return i.keyPrefix + "idx:" + partitionKey + ":" + id
}

func (i *Index) hotSetKey() string {
	return i.keyPrefix + "idx:hot"
}

func (i *Index) migratingSetKey() string {
	return i.keyPrefix + "idx:migrating"
}

// --- LocationIndex implementation ------------------------------------------

func (i *Index) Get(ctx context.Context, partitionKey, id string) (*index.Entry, error) {
	data, err := i.client.Get(ctx, i.entryKey(partitionKey, id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, record.ErrNotFound
		}
		return nil, record.Unavailable("redisindex: get", err)
	}
	return decodeEntry(data)
}

func (i *Index) Put(ctx context.Context, e *index.Entry) (*index.Entry, error) {
	key := i.entryKey(e.PartitionKey, e.ID)
	var stored *index.Entry

	txn := func(tx *goredis.Tx) error {
		version := int64(0)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			prev, decErr := decodeEntry(data)
			if decErr != nil {
				return decErr
			}
			version = prev.Version
		case errors.Is(err, goredis.Nil):
			// First write.
		default:
			return err
		}

		stored = e.Clone()
		stored.Version = version + 1
		stored.UpdatedAt = time.Now().UTC()
		return i.writeEntry(ctx, tx, key, stored)
	}

	if err := i.watch(ctx, txn, key); err != nil {
		return nil, err
	}
	return stored, nil
}

func (i *Index) CompareAndSwap(ctx context.Context, expected, next *index.Entry) (*index.Entry, error) {
	key := i.entryKey(expected.PartitionKey, expected.ID)
	var stored *index.Entry

	txn := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return record.ErrNotFound
			}
			return err
		}
		cur, err := decodeEntry(data)
		if err != nil {
			return err
		}
		if cur.Tier != expected.Tier || cur.Version != expected.Version {
			return index.ErrConflict
		}

		stored = next.Clone()
		stored.PartitionKey = expected.PartitionKey
		stored.ID = expected.ID
		stored.Version = cur.Version + 1
		stored.UpdatedAt = time.Now().UTC()
		return i.writeEntry(ctx, tx, key, stored)
	}

	if err := i.watch(ctx, txn, key); err != nil {
		return nil, err
	}
	return stored, nil
}

// writeEntry sets the entry and maintains tier-set membership in one MULTI.
func (i *Index) writeEntry(ctx context.Context, tx *goredis.Tx, key string, e *index.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	member := goredis.Z{
		Score:  float64(e.Timestamp.UnixMilli()),
		Member: key,
	}
	_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		switch e.Tier {
		case index.TierHot:
			pipe.ZAdd(ctx, i.hotSetKey(), member)
			pipe.ZRem(ctx, i.migratingSetKey(), key)
		case index.TierMigrating:
			pipe.ZAdd(ctx, i.migratingSetKey(), member)
			pipe.ZRem(ctx, i.hotSetKey(), key)
		default:
			pipe.ZRem(ctx, i.hotSetKey(), key)
			pipe.ZRem(ctx, i.migratingSetKey(), key)
		}
		return nil
	})
	return err
}

// watch runs txn under WATCH on key, retrying on optimistic conflicts and
// translating transport errors into the transient taxonomy.
func (i *Index) watch(ctx context.Context, txn func(*goredis.Tx) error, key string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := i.client.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			continue // key changed under WATCH; re-read
		case errors.Is(err, record.ErrNotFound), errors.Is(err, index.ErrConflict):
			return err
		default:
			return record.Unavailable("redisindex: txn", err)
		}
	}
	return index.ErrConflict
}

func (i *Index) ScanHotOlderThan(ctx context.Context, cutoff time.Time, limit, offset int) ([]*index.Entry, error) {
	return i.scanSet(ctx, i.hotSetKey(), index.TierHot, &goredis.ZRangeBy{
		Min:    "-inf",
		Max:    "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		Offset: int64(offset),
		Count:  int64(limit),
	}, cutoff)
}

func (i *Index) ScanMigrating(ctx context.Context, limit int) ([]*index.Entry, error) {
	return i.scanSet(ctx, i.migratingSetKey(), index.TierMigrating, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: int64(limit),
	}, time.Time{})
}

// scanSet pages through one tier set and fetches the backing entries.
func (i *Index) scanSet(ctx context.Context, setKey string, tier index.Tier, rng *goredis.ZRangeBy, cutoff time.Time) ([]*index.Entry, error) {
	keys, err := i.client.ZRangeByScore(ctx, setKey, rng).Result()
	if err != nil {
		return nil, record.Unavailable("redisindex: scan", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := i.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, record.Unavailable("redisindex: mget", err)
	}

	entries := make([]*index.Entry, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // entry deleted between ZRANGEBYSCORE and MGET
		}
		e, err := decodeEntry([]byte(s))
		if err != nil {
			return nil, err
		}
		// The tier set can lag the entry briefly; re-check before returning.
		if e.Tier != tier {
			continue
		}
		if !cutoff.IsZero() && !e.Timestamp.Before(cutoff) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (i *Index) Ping(ctx context.Context) error {
	return i.client.Ping(ctx).Err()
}

func (i *Index) Close() error {
	if i.ownsClient {
		return i.client.Close()
	}
	return nil
}

func decodeEntry(data []byte) (*index.Entry, error) {
	var e index.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("redisindex: unmarshal entry: %w", err)
	}
	return &e, nil
}
