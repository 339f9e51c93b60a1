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

// Package pgindex implements the location index on PostgreSQL. The
// compare-and-swap is a guarded UPDATE on (tier, version), so correctness
// does not depend on any client-side locking.
package pgindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tundralabs/tundra/internal/index"
	"github.com/tundralabs/tundra/internal/record"
)

// Compile-time interface check.
var _ index.LocationIndex = (*Index)(nil)

// entryColumns is the SELECT column list for index entries.
const entryColumns = `partition_key, id, tier, cold_path, record_ts, version, updated_at`

// Index implements index.LocationIndex using PostgreSQL.
type Index struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// New creates an Index that owns the underlying connection pool. The pool
// is created from cfg and verified with a ping. Close will shut it down.
func New(cfg Config) (*Index, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("pgindex: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("pgindex: parsing connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.TLS != nil {
		poolCfg.ConnConfig.TLSConfig = cfg.TLS
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgindex: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgindex: ping failed: %w", err)
	}

	return &Index{pool: pool, ownsPool: true}, nil
}

// NewFromPool wraps an existing connection pool. Close is a no-op because
// the caller retains ownership of the pool.
func NewFromPool(pool *pgxpool.Pool) *Index {
	return &Index{pool: pool, ownsPool: false}
}

func scanEntry(row pgx.Row) (*index.Entry, error) {
	var e index.Entry
	var tier string
	err := row.Scan(&e.PartitionKey, &e.ID, &tier, &e.ColdPath, &e.Timestamp, &e.Version, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, record.ErrNotFound
		}
		return nil, record.Unavailable("pgindex: scan entry", err)
	}
	e.Tier = index.Tier(tier)
	return &e, nil
}

func (i *Index) Get(ctx context.Context, partitionKey, id string) (*index.Entry, error) {
	row := i.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM location_index WHERE partition_key=$1 AND id=$2`,
		partitionKey, id)
	return scanEntry(row)
}

func (i *Index) Put(ctx context.Context, e *index.Entry) (*index.Entry, error) {
	row := i.pool.QueryRow(ctx, `
		INSERT INTO location_index (partition_key, id, tier, cold_path, record_ts, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, now())
		ON CONFLICT (partition_key, id) DO UPDATE SET
			tier       = EXCLUDED.tier,
			cold_path  = EXCLUDED.cold_path,
			record_ts  = EXCLUDED.record_ts,
			version    = location_index.version + 1,
			updated_at = now()
		RETURNING `+entryColumns,
		e.PartitionKey, e.ID, string(e.Tier), e.ColdPath, e.Timestamp)
	stored, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("pgindex: put: %w", err)
	}
	return stored, nil
}

func (i *Index) CompareAndSwap(ctx context.Context, expected, next *index.Entry) (*index.Entry, error) {
	row := i.pool.QueryRow(ctx, `
		UPDATE location_index SET
			tier       = $1,
			cold_path  = $2,
			record_ts  = $3,
			version    = version + 1,
			updated_at = now()
		WHERE partition_key=$4 AND id=$5 AND tier=$6 AND version=$7
		RETURNING `+entryColumns,
		string(next.Tier), next.ColdPath, next.Timestamp,
		expected.PartitionKey, expected.ID, string(expected.Tier), expected.Version)

	stored, err := scanEntry(row)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, record.ErrNotFound) {
		return nil, fmt.Errorf("pgindex: cas: %w", err)
	}

	// No row matched: distinguish a concurrent modification from a missing
	// entry.
	var exists bool
	checkErr := i.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM location_index WHERE partition_key=$1 AND id=$2)`,
		expected.PartitionKey, expected.ID).Scan(&exists)
	if checkErr != nil {
		return nil, record.Unavailable("pgindex: cas existence check", checkErr)
	}
	if exists {
		return nil, index.ErrConflict
	}
	return nil, record.ErrNotFound
}

func (i *Index) ScanHotOlderThan(ctx context.Context, cutoff time.Time, limit, offset int) ([]*index.Entry, error) {
	rows, err := i.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM location_index
		 WHERE tier='hot' AND record_ts < $1
		 ORDER BY record_ts ASC
		 LIMIT $2 OFFSET $3`,
		cutoff, limit, offset)
	if err != nil {
		return nil, record.Unavailable("pgindex: scan hot", err)
	}
	return collectEntries(rows)
}

func (i *Index) ScanMigrating(ctx context.Context, limit int) ([]*index.Entry, error) {
	rows, err := i.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM location_index
		 WHERE tier='migrating'
		 ORDER BY record_ts ASC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, record.Unavailable("pgindex: scan migrating", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*index.Entry, error) {
	defer rows.Close()
	var entries []*index.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, record.Unavailable("pgindex: scan rows", err)
	}
	return entries, nil
}

func (i *Index) Ping(ctx context.Context) error {
	return i.pool.Ping(ctx)
}

func (i *Index) Close() error {
	if i.ownsPool {
		i.pool.Close()
	}
	return nil
}
