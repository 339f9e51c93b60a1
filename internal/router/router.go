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

// Package router exposes tier-transparent reads and writes. Callers address
// records by (partitionKey, id); the router consults the location index,
// fetches from whichever tier holds the record, and repairs the index when
// it disagrees with the stores.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tundralabs/tundra/internal/index"
	"github.com/tundralabs/tundra/internal/record"
	"github.com/tundralabs/tundra/internal/store/cold"
	"github.com/tundralabs/tundra/internal/store/hot"
	"github.com/tundralabs/tundra/pkg/metrics"
)

// Router routes reads and writes across the hot store and cold archive.
type Router struct {
	hotStore hot.Store
	archive  *cold.Archive
	idx      index.LocationIndex
	metrics  *metrics.RouterMetrics
	log      *zap.SugaredLogger
}

// New creates a Router. metrics may be nil.
func New(
	hotStore hot.Store,
	archive *cold.Archive,
	idx index.LocationIndex,
	m *metrics.RouterMetrics,
	log *zap.SugaredLogger,
) *Router {
	return &Router{
		hotStore: hotStore,
		archive:  archive,
		idx:      idx,
		metrics:  m,
		log:      log,
	}
}

// Put validates and stores a record in the hot tier, then marks it hot in
// the location index. New and rewritten records always land hot; a rewrite
// bumps the index version, which aborts any migration in flight for the
// same record.
//
// An index failure after a successful hot write is logged and swallowed:
// the payload is durable in the hot store and the next read repairs the
// entry.
func (rt *Router) Put(ctx context.Context, r *record.Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("router: put: %w", err)
	}

	if err := rt.hotStore.Put(ctx, r); err != nil {
		rt.recordError("put_hot")
		return fmt.Errorf("router: put: %w", err)
	}

	entry := &index.Entry{
		PartitionKey: r.PartitionKey,
		ID:           r.ID,
		Tier:         index.TierHot,
		Timestamp:    r.Timestamp,
	}
	if _, err := rt.idx.Put(ctx, entry); err != nil {
		rt.recordError("put_index")
		rt.log.Warnw("index update failed after hot write; entry will be repaired on read",
			"partitionKey", r.PartitionKey, "id", r.ID, "error", err)
	}

	if rt.metrics != nil {
		rt.metrics.RecordWrite()
	}
	return nil
}

// Get retrieves a record by key, wherever it currently lives.
// Returns record.ErrNotFound if no tier holds it.
func (rt *Router) Get(ctx context.Context, partitionKey, id string) (*record.Record, error) {
	return rt.GetWithHint(ctx, partitionKey, id, time.Time{})
}

// GetWithHint is Get with an optional record-timestamp hint. When the
// location index has no entry, the hint lets the router probe the cold
// archive at the deterministic path derived from it; a zero hint limits the
// index-miss fallback to the hot store.
func (rt *Router) GetWithHint(ctx context.Context, partitionKey, id string, hint time.Time) (*record.Record, error) {
	start := time.Now()
	defer func() {
		if rt.metrics != nil {
			rt.metrics.RecordReadDuration(time.Since(start))
		}
	}()

	entry, err := rt.idx.Get(ctx, partitionKey, id)
	switch {
	case err == nil:
		return rt.getByEntry(ctx, entry)
	case errors.Is(err, record.ErrNotFound):
		return rt.getIndexMiss(ctx, partitionKey, id, hint)
	default:
		rt.recordError("get_index")
		return nil, fmt.Errorf("router: get: %w", err)
	}
}

// getByEntry fetches from the tier named by the index entry, falling back
// and repairing when the entry turned out to be stale.
func (rt *Router) getByEntry(ctx context.Context, entry *index.Entry) (*record.Record, error) {
	pk, id := entry.PartitionKey, entry.ID

	switch entry.Tier {
	case index.TierHot, index.TierMigrating:
		// While migrating, the hot copy (when still present) is the
		// freshest; a write that raced the migration lives only there.
		rec, err := rt.hotStore.Get(ctx, pk, id)
		if err == nil {
			rt.recordRead("hot")
			return rec, nil
		}
		if !errors.Is(err, record.ErrNotFound) {
			rt.recordError("get_hot")
			return nil, fmt.Errorf("router: get: %w", err)
		}

		// Hot copy is gone. For a migrating entry the cold copy is
		// authoritative; for a hot entry the record may have been migrated
		// by a run that crashed before its final index update.
		coldPath := entry.ColdPath
		if coldPath == "" {
			coldPath = rt.archive.DerivedPath(pk, id, entry.Timestamp)
		}
		rec, err = rt.archive.GetRecord(ctx, coldPath)
		if err != nil {
			if errors.Is(err, record.ErrNotFound) {
				return nil, record.ErrNotFound
			}
			rt.recordError("get_cold")
			return nil, fmt.Errorf("router: get: %w", err)
		}
		rt.repairEntry(ctx, entry, index.TierCold, coldPath, rec.Timestamp, "stale_tier")
		rt.recordRead("cold")
		return rec, nil

	case index.TierCold:
		// A repaired or hand-written entry may lack its path; the path is a
		// pure function of the key and timestamp, so recompute it.
		coldPath := entry.ColdPath
		if coldPath == "" {
			coldPath = rt.archive.DerivedPath(pk, id, entry.Timestamp)
		}
		rec, err := rt.archive.GetRecord(ctx, coldPath)
		if err == nil {
			if entry.ColdPath == "" {
				rt.repairEntry(ctx, entry, index.TierCold, coldPath, rec.Timestamp, "missing_path")
			}
			rt.recordRead("cold")
			return rec, nil
		}
		if !errors.Is(err, record.ErrNotFound) {
			rt.recordError("get_cold")
			return nil, fmt.Errorf("router: get: %w", err)
		}

		// Cold object missing despite a cold entry. Probe hot: the record
		// may have been rewritten with a lost index update.
		rec, hotErr := rt.hotStore.Get(ctx, pk, id)
		if hotErr == nil {
			rt.repairEntry(ctx, entry, index.TierHot, "", rec.Timestamp, "stale_tier")
			rt.recordRead("hot")
			return rec, nil
		}
		if errors.Is(hotErr, record.ErrNotFound) {
			return nil, record.ErrNotFound
		}
		rt.recordError("get_hot")
		return nil, fmt.Errorf("router: get: %w", hotErr)

	default:
		return nil, fmt.Errorf("router: get: unknown tier %q for %s/%s", entry.Tier, pk, id)
	}
}

// getIndexMiss handles reads with no index entry: probe the hot store, then
// (with a timestamp hint) the cold archive, and recreate the entry from
// whatever is found.
func (rt *Router) getIndexMiss(ctx context.Context, partitionKey, id string, hint time.Time) (*record.Record, error) {
	rec, err := rt.hotStore.Get(ctx, partitionKey, id)
	if err == nil {
		rt.repairMissing(ctx, partitionKey, id, index.TierHot, "", rec.Timestamp)
		rt.recordRead("hot")
		return rec, nil
	}
	if !errors.Is(err, record.ErrNotFound) {
		rt.recordError("get_hot")
		return nil, fmt.Errorf("router: get: %w", err)
	}

	if hint.IsZero() {
		return nil, record.ErrNotFound
	}

	coldPath := rt.archive.DerivedPath(partitionKey, id, hint)
	rec, err = rt.archive.GetRecord(ctx, coldPath)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil, record.ErrNotFound
		}
		rt.recordError("get_cold")
		return nil, fmt.Errorf("router: get: %w", err)
	}
	rt.repairMissing(ctx, partitionKey, id, index.TierCold, coldPath, rec.Timestamp)
	rt.recordRead("cold")
	return rec, nil
}

// repairEntry moves a stale index entry to the observed tier via CAS.
// Best-effort: a conflict means someone else already fixed or superseded
// the entry.
func (rt *Router) repairEntry(ctx context.Context, entry *index.Entry, tier index.Tier, coldPath string, ts time.Time, kind string) {
	next := entry.Clone()
	next.Tier = tier
	next.ColdPath = coldPath
	next.Timestamp = ts
	if _, err := rt.idx.CompareAndSwap(ctx, entry, next); err != nil {
		if errors.Is(err, index.ErrConflict) || errors.Is(err, record.ErrNotFound) {
			return
		}
		rt.log.Warnw("index repair failed",
			"partitionKey", entry.PartitionKey, "id", entry.ID, "tier", tier, "error", err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRepair(kind)
	}
}

// repairMissing recreates a lost index entry. Best-effort.
func (rt *Router) repairMissing(ctx context.Context, partitionKey, id string, tier index.Tier, coldPath string, ts time.Time) {
	entry := &index.Entry{
		PartitionKey: partitionKey,
		ID:           id,
		Tier:         tier,
		ColdPath:     coldPath,
		Timestamp:    ts,
	}
	if _, err := rt.idx.Put(ctx, entry); err != nil {
		rt.log.Warnw("index repair failed",
			"partitionKey", partitionKey, "id", id, "tier", tier, "error", err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRepair("missing_entry")
	}
}

// Ping checks connectivity to all three backends.
func (rt *Router) Ping(ctx context.Context) error {
	if err := rt.hotStore.Ping(ctx); err != nil {
		return fmt.Errorf("router: hot store ping: %w", err)
	}
	if err := rt.archive.Ping(ctx); err != nil {
		return fmt.Errorf("router: cold archive ping: %w", err)
	}
	if err := rt.idx.Ping(ctx); err != nil {
		return fmt.Errorf("router: index ping: %w", err)
	}
	return nil
}

func (rt *Router) recordRead(tier string) {
	if rt.metrics != nil {
		rt.metrics.RecordRead(tier)
	}
}

func (rt *Router) recordError(operation string) {
	if rt.metrics != nil {
		rt.metrics.RecordError(operation)
	}
}
