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

// Package migration moves aged records from the hot store to the cold
// archive. Each record goes through a fixed sequence: upload the cold copy,
// flip the index to migrating, delete the hot copy, flip the index to cold.
// Every index transition is a compare-and-swap, so a concurrent write
// aborts the migration and the record stays hot with its latest payload.
//
// A pass first resumes migrations stranded in the migrating state by an
// earlier crash (the cold copy already exists, so only the hot delete and
// the final tier flip remain), then walks the hot tier for new candidates.
package migration

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tundralabs/tundra/internal/index"
	"github.com/tundralabs/tundra/internal/record"
	"github.com/tundralabs/tundra/internal/store/cold"
	"github.com/tundralabs/tundra/internal/store/hot"
	"github.com/tundralabs/tundra/pkg/metrics"
)

// Report summarises a migration run.
type Report struct {
	RunID            string
	Moved            int64
	Skipped          int64
	Failed           int64
	BatchesProcessed int
	Errors           []error
}

// outcome classifies the result of migrating one record.
type outcome int

const (
	outcomeMoved outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Worker performs batched hot-to-cold migration.
type Worker struct {
	hotStore hot.Store
	archive  *cold.Archive
	idx      index.LocationIndex
	policy   *RetentionPolicy
	cfg      Config
	metrics  *metrics.MigrationMetrics
	limiter  *rate.Limiter
	log      *zap.SugaredLogger
}

// NewWorker creates a migration worker.
func NewWorker(
	hotStore hot.Store,
	archive *cold.Archive,
	idx index.LocationIndex,
	policy *RetentionPolicy,
	cfg Config,
	m *metrics.MigrationMetrics,
	log *zap.SugaredLogger,
) *Worker {
	if policy == nil {
		policy = DefaultRetentionPolicy()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Worker{
		hotStore: hotStore,
		archive:  archive,
		idx:      idx,
		policy:   policy,
		cfg:      cfg,
		metrics:  m,
		limiter:  limiter,
		log:      log,
	}
}

// Run executes one full migration pass over all eligible records.
func (w *Worker) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.NewString()}
	log := w.log.With("runID", report.RunID)

	scanCutoff := w.policy.ScanCutoff(start)
	log.Infow("starting migration pass",
		"scanCutoff", scanCutoff, "batchSize", w.cfg.BatchSize, "dryRun", w.cfg.DryRun)

	if err := w.resumeStranded(ctx, log, report); err != nil {
		w.recordMetrics(start)
		return report, err
	}

	// Entries that stay hot after a batch (outside their partition's
	// retention window, skipped, or failed) keep their scan position, so the
	// pass pages past them with offset instead of re-reading the same head
	// of the scan window.
	offset := 0
	for {
		if ctx.Err() != nil {
			break
		}

		entries, err := w.idx.ScanHotOlderThan(ctx, scanCutoff, w.cfg.BatchSize, offset)
		if err != nil {
			w.recordMetrics(start)
			return report, fmt.Errorf("scanning hot entries: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		eligible := w.filterByPartitionCutoff(entries, start)
		var moved int64
		switch {
		case w.cfg.DryRun:
			for _, e := range eligible {
				log.Infow("dry-run: would migrate record",
					"partitionKey", e.PartitionKey, "id", e.ID,
					"coldPath", w.archive.DerivedPath(e.PartitionKey, e.ID, e.Timestamp))
			}
			report.Skipped += int64(len(eligible))
		case len(eligible) > 0:
			moved = w.processBatch(ctx, log, eligible, report, w.migrateOne)
			report.BatchesProcessed++
		}

		offset += len(entries) - int(moved)
		if len(entries) < w.cfg.BatchSize {
			break
		}
	}

	w.recordMetrics(start)
	log.Infow("migration pass complete",
		"moved", report.Moved,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"batchesProcessed", report.BatchesProcessed,
		"duration", time.Since(start))
	return report, nil
}

func (w *Worker) filterByPartitionCutoff(entries []*index.Entry, now time.Time) []*index.Entry {
	var eligible []*index.Entry
	for _, e := range entries {
		cutoff := w.policy.Cutoff(e.PartitionKey, now)
		if e.Timestamp.Before(cutoff) {
			eligible = append(eligible, e)
		}
	}
	return eligible
}

// resumeStranded finishes migrations that a previous run started but never
// completed. Entries stranded in the migrating state already have their cold
// copy written; resumeOne picks each one up at the hot-delete step.
func (w *Worker) resumeStranded(ctx context.Context, log *zap.SugaredLogger, report *Report) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		entries, err := w.idx.ScanMigrating(ctx, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("scanning migrating entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		if w.cfg.DryRun {
			for _, e := range entries {
				log.Infow("dry-run: would resume stranded migration",
					"partitionKey", e.PartitionKey, "id", e.ID, "coldPath", e.ColdPath)
			}
			report.Skipped += int64(len(entries))
			return nil
		}

		log.Infow("resuming stranded migrations", "count", len(entries))
		skippedBefore := report.Skipped
		moved := w.processBatch(ctx, log, entries, report, w.resumeOne)
		report.BatchesProcessed++

		// Resolved entries (completed or put back to hot) leave the
		// migrating tier. A batch that resolved nothing would be rescanned
		// verbatim; defer it to the next pass instead.
		if moved == 0 && report.Skipped == skippedBefore {
			return nil
		}
	}
}

// stepFunc advances one entry through (part of) the migration sequence.
type stepFunc func(ctx context.Context, log *zap.SugaredLogger, entry *index.Entry) (outcome, error)

// processBatch runs step over a batch with bounded concurrency and returns
// the number of records actually moved.
func (w *Worker) processBatch(ctx context.Context, log *zap.SugaredLogger, entries []*index.Entry, report *Report, step stepFunc) int64 {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		moved int64
		sem   = make(chan struct{}, w.cfg.Concurrency)
	)
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				break
			}
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(e *index.Entry) {
			defer wg.Done()
			defer func() { <-sem }()

			out, err := step(ctx, log, e)

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeMoved:
				moved++
				report.Moved++
			case outcomeSkipped:
				report.Skipped++
			case outcomeFailed:
				report.Failed++
				if err != nil {
					report.Errors = append(report.Errors, err)
				}
			}
		}(e)
	}
	wg.Wait()

	if w.metrics != nil {
		w.metrics.RecordMoved(moved)
	}
	return moved
}

// migrateOne walks a single record through the migration sequence. Any step
// that observes a concurrent modification aborts with outcomeSkipped; the
// record is either already migrated or was rewritten and must stay hot.
func (w *Worker) migrateOne(ctx context.Context, log *zap.SugaredLogger, entry *index.Entry) (outcome, error) {
	key := []interface{}{"partitionKey", entry.PartitionKey, "id", entry.ID}

	// Read the authoritative hot copy. A missing record means a previous
	// run already deleted it (or the index is ahead); nothing to move.
	var rec *record.Record
	err := w.withRetry(ctx, "read_hot", func() error {
		var getErr error
		rec, getErr = w.hotStore.Get(ctx, entry.PartitionKey, entry.ID)
		return getErr
	})
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			log.Debugw("hot record missing, skipping", key...)
			return w.skipped(), nil
		}
		return w.failed("read_hot", err)
	}

	// Upload the cold copy at its deterministic path. Idempotent: a
	// byte-identical object from a crashed run is left untouched.
	var coldPath string
	err = w.withRetry(ctx, "upload_cold", func() error {
		var putErr error
		coldPath, _, putErr = w.archive.PutRecord(ctx, rec)
		return putErr
	})
	if err != nil {
		return w.failed("upload_cold", err)
	}

	// Flip the index hot→migrating. A version conflict means a write raced
	// us; the record keeps its hot entry and the orphaned cold object is
	// harmless (it will be overwritten or superseded on a later pass).
	next := entry.Clone()
	next.Tier = index.TierMigrating
	next.ColdPath = coldPath
	next.Timestamp = rec.Timestamp

	var stored *index.Entry
	err = w.withRetry(ctx, "mark_migrating", func() error {
		var casErr error
		stored, casErr = w.idx.CompareAndSwap(ctx, entry, next)
		return casErr
	})
	if err != nil {
		if errors.Is(err, index.ErrConflict) || errors.Is(err, record.ErrNotFound) {
			log.Debugw("index entry changed before migrating mark, skipping", key...)
			return w.skipped(), nil
		}
		return w.failed("mark_migrating", err)
	}

	// Delete the hot copy, but only the exact revision we uploaded. If a
	// write landed in between, the new payload stays and the router's next
	// write-path index update wins.
	err = w.withRetry(ctx, "delete_hot", func() error {
		delErr := w.hotStore.DeleteIf(ctx, entry.PartitionKey, entry.ID, rec.Timestamp)
		if errors.Is(delErr, record.ErrNotFound) {
			return nil
		}
		return delErr
	})
	if err != nil {
		if errors.Is(err, hot.ErrModified) {
			log.Debugw("hot record rewritten mid-migration, skipping", key...)
			return w.skipped(), nil
		}
		// Cold copy written, hot copy still present. Readers remain correct
		// either way; revert the entry to hot (best-effort) so the next
		// pass picks the record up again. The upload is idempotent, so the
		// retried pass skips straight to the delete.
		revert := stored.Clone()
		revert.Tier = index.TierHot
		if _, revertErr := w.idx.CompareAndSwap(ctx, stored, revert); revertErr != nil &&
			!errors.Is(revertErr, index.ErrConflict) && !errors.Is(revertErr, record.ErrNotFound) {
			log.Warnw("reverting entry to hot failed", append(key, "error", revertErr)...)
		}
		return w.failed("delete_hot", err)
	}

	// Flip the index migrating→cold.
	final := stored.Clone()
	final.Tier = index.TierCold
	err = w.withRetry(ctx, "mark_cold", func() error {
		_, casErr := w.idx.CompareAndSwap(ctx, stored, final)
		return casErr
	})
	if err != nil {
		if errors.Is(err, index.ErrConflict) || errors.Is(err, record.ErrNotFound) {
			log.Debugw("index entry changed before cold mark, skipping", key...)
			return w.skipped(), nil
		}
		return w.failed("mark_cold", err)
	}

	return outcomeMoved, nil
}

// resumeOne finishes a migration interrupted after its cold upload: the entry
// is migrating, the cold object exists, and the hot copy may or may not still
// be present. Only the hot delete and the final tier flip remain.
func (w *Worker) resumeOne(ctx context.Context, log *zap.SugaredLogger, entry *index.Entry) (outcome, error) {
	key := []interface{}{"partitionKey", entry.PartitionKey, "id", entry.ID}

	var rec *record.Record
	err := w.withRetry(ctx, "read_hot", func() error {
		var getErr error
		rec, getErr = w.hotStore.Get(ctx, entry.PartitionKey, entry.ID)
		return getErr
	})
	hotGone := false
	if err != nil {
		if !errors.Is(err, record.ErrNotFound) {
			return w.failed("read_hot", err)
		}
		// The interrupted run already deleted the hot copy; only the final
		// tier flip is missing.
		hotGone = true
	}

	if !hotGone && !rec.Timestamp.Equal(entry.Timestamp) {
		// A write landed after the cold copy was taken, and its index update
		// was lost. The hot payload wins; put the entry back to hot so the
		// record is re-migrated from its current revision when it ages out.
		revert := entry.Clone()
		revert.Tier = index.TierHot
		revert.ColdPath = ""
		revert.Timestamp = rec.Timestamp
		if _, casErr := w.idx.CompareAndSwap(ctx, entry, revert); casErr != nil &&
			!errors.Is(casErr, index.ErrConflict) && !errors.Is(casErr, record.ErrNotFound) {
			return w.failed("revert_hot", casErr)
		}
		log.Infow("restored rewritten record to hot", key...)
		return w.skipped(), nil
	}

	if !hotGone {
		err = w.withRetry(ctx, "delete_hot", func() error {
			delErr := w.hotStore.DeleteIf(ctx, entry.PartitionKey, entry.ID, entry.Timestamp)
			if errors.Is(delErr, record.ErrNotFound) {
				return nil
			}
			return delErr
		})
		if err != nil {
			if errors.Is(err, hot.ErrModified) {
				log.Debugw("hot record rewritten during resume, skipping", key...)
				return w.skipped(), nil
			}
			return w.failed("delete_hot", err)
		}
	}

	final := entry.Clone()
	final.Tier = index.TierCold
	err = w.withRetry(ctx, "mark_cold", func() error {
		_, casErr := w.idx.CompareAndSwap(ctx, entry, final)
		return casErr
	})
	if err != nil {
		if errors.Is(err, index.ErrConflict) || errors.Is(err, record.ErrNotFound) {
			log.Debugw("index entry changed during resume, skipping", key...)
			return w.skipped(), nil
		}
		return w.failed("mark_cold", err)
	}

	log.Infow("resumed stranded migration", append(key, "coldPath", entry.ColdPath)...)
	return outcomeMoved, nil
}

func (w *Worker) skipped() outcome {
	if w.metrics != nil {
		w.metrics.RecordSkipped(1)
	}
	return outcomeSkipped
}

func (w *Worker) failed(operation string, err error) (outcome, error) {
	if w.metrics != nil {
		w.metrics.RecordFailed(1)
	}
	return outcomeFailed, fmt.Errorf("%s: %w", operation, err)
}

// withRetry runs fn with exponential backoff and jitter. Only transient
// store failures are retried; logical outcomes (not found, CAS conflicts,
// concurrent modification) return immediately.
func (w *Worker) withRetry(ctx context.Context, operation string, fn func() error) error {
	delay := w.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = DefaultConfig().RetryBaseDelay
	}
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			w.log.Warnw("retrying operation", "operation", operation, "attempt", attempt, "error", lastErr)
			jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, record.ErrUnavailable) {
			return lastErr
		}
		if w.metrics != nil {
			w.metrics.RecordError(operation)
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", operation, w.cfg.MaxRetries, lastErr)
}

func (w *Worker) recordMetrics(start time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.RecordDuration(time.Since(start))
	w.metrics.RecordLastPass()
}
