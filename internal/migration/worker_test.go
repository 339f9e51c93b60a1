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

package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tundralabs/tundra/internal/index"
	"github.com/tundralabs/tundra/internal/record"
	"github.com/tundralabs/tundra/internal/store/cold"
	"github.com/tundralabs/tundra/internal/store/hot"
)

// ---------------------------------------------------------------------------
// Fault-injecting wrappers
// ---------------------------------------------------------------------------

// faultyHotStore wraps a MemoryStore and fails DeleteIf a configurable
// number of times with a transient error.
type faultyHotStore struct {
	*hot.MemoryStore
	failDeletes int
	// onDelete runs before each DeleteIf, simulating concurrent activity.
	onDelete func()
}

func (f *faultyHotStore) DeleteIf(ctx context.Context, partitionKey, id string, ts time.Time) error {
	if f.onDelete != nil {
		f.onDelete()
	}
	if f.failDeletes > 0 {
		f.failDeletes--
		return record.Unavailable("test hot delete", errors.New("injected"))
	}
	return f.MemoryStore.DeleteIf(ctx, partitionKey, id, ts)
}

// faultyBlobStore fails Put a configurable number of times.
type faultyBlobStore struct {
	*cold.MemoryBlobStore
	failPuts int
}

func (f *faultyBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if f.failPuts > 0 {
		f.failPuts--
		return errors.New("injected put failure")
	}
	return f.MemoryBlobStore.Put(ctx, key, data, contentType)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() *zap.SugaredLogger {
	l, _ := zap.NewDevelopment()
	return l.Sugar()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.Concurrency = 2
	return cfg
}

type fixture struct {
	hot     *hot.MemoryStore
	blobs   *cold.MemoryBlobStore
	archive *cold.Archive
	idx     *index.MemoryIndex
}

func newFixture() *fixture {
	blobs := cold.NewMemoryBlobStore()
	return &fixture{
		hot:     hot.NewMemoryStore(),
		blobs:   blobs,
		archive: cold.NewArchiveFromBlobStore(blobs, cold.Options{}),
		idx:     index.NewMemoryIndex(),
	}
}

// seed writes a record to the hot store and indexes it hot, the way the
// write router does.
func (f *fixture) seed(t *testing.T, r *record.Record) {
	t.Helper()
	ctx := context.Background()
	if err := f.hot.Put(ctx, r); err != nil {
		t.Fatalf("seeding hot store: %v", err)
	}
	if _, err := f.idx.Put(ctx, &index.Entry{
		PartitionKey: r.PartitionKey,
		ID:           r.ID,
		Tier:         index.TierHot,
		Timestamp:    r.Timestamp,
	}); err != nil {
		t.Fatalf("seeding index: %v", err)
	}
}

func agedRecord(id string, daysOld int) *record.Record {
	return &record.Record{
		ID:           id,
		PartitionKey: "user456",
		Timestamp:    time.Now().UTC().AddDate(0, 0, -daysOld),
		Payload:      []byte("payload-" + id),
	}
}

// strand leaves a record the way a run that crashed between the migrating
// mark and the hot delete would: hot copy present, cold copy present, index
// entry migrating.
func (f *fixture) strand(t *testing.T, r *record.Record) *index.Entry {
	t.Helper()
	ctx := context.Background()
	f.seed(t, r)

	path, _, err := f.archive.PutRecord(ctx, r)
	if err != nil {
		t.Fatalf("stranding cold upload: %v", err)
	}
	entry, err := f.idx.Get(ctx, r.PartitionKey, r.ID)
	if err != nil {
		t.Fatalf("stranding index Get: %v", err)
	}
	next := entry.Clone()
	next.Tier = index.TierMigrating
	next.ColdPath = path
	stored, err := f.idx.CompareAndSwap(ctx, entry, next)
	if err != nil {
		t.Fatalf("stranding CAS: %v", err)
	}
	return stored
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	old := agedRecord("old1", 200)
	fresh := agedRecord("fresh1", 5)
	f.seed(t, old)
	f.seed(t, fresh)

	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(f.hot, f.archive, f.idx, policy, testConfig(), nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 1 {
		t.Errorf("Moved = %d, want 1", report.Moved)
	}

	// Old record: gone hot, present cold, indexed cold at its path.
	if _, err := f.hot.Get(ctx, "user456", "old1"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("hot Get(old1) error = %v, want ErrNotFound", err)
	}
	entry, err := f.idx.Get(ctx, "user456", "old1")
	if err != nil {
		t.Fatalf("index Get(old1) error = %v", err)
	}
	if entry.Tier != index.TierCold {
		t.Errorf("old1 tier = %s, want cold", entry.Tier)
	}
	wantPath := record.ColdPathFor(old)
	if entry.ColdPath != wantPath {
		t.Errorf("old1 coldPath = %q, want %q", entry.ColdPath, wantPath)
	}
	got, err := f.archive.GetRecord(ctx, entry.ColdPath)
	if err != nil {
		t.Fatalf("cold GetRecord(old1) error = %v", err)
	}
	if string(got.Payload) != "payload-old1" {
		t.Errorf("cold payload = %q, want %q", got.Payload, "payload-old1")
	}

	// Fresh record: untouched.
	if _, err := f.hot.Get(ctx, "user456", "fresh1"); err != nil {
		t.Errorf("hot Get(fresh1) error = %v, want nil", err)
	}
	entry, err = f.idx.Get(ctx, "user456", "fresh1")
	if err != nil || entry.Tier != index.TierHot {
		t.Errorf("fresh1 entry = %+v, err = %v, want hot tier", entry, err)
	}
}

func TestRun_SecondRunIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, agedRecord("old1", 200))

	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(f.hot, f.archive, f.idx, policy, testConfig(), nil, testLogger())

	if _, err := w.Run(ctx); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	putsAfterFirst := f.blobs.PutCount

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if report.Moved != 0 || report.Skipped != 0 || report.Failed != 0 {
		t.Errorf("second run report = %+v, want all zero", report)
	}
	if f.blobs.PutCount != putsAfterFirst {
		t.Errorf("second run uploaded %d objects", f.blobs.PutCount-putsAfterFirst)
	}
}

func TestRun_WriteDuringMigrationWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	old := agedRecord("old1", 200)
	f.seed(t, old)

	// A client rewrites the record after the cold upload but before the hot
	// delete. The new payload must survive with the record staying hot.
	rewritten := old.Clone()
	rewritten.Timestamp = time.Now().UTC()
	rewritten.Payload = []byte("rewritten")

	hotStore := &faultyHotStore{MemoryStore: f.hot}
	hotStore.onDelete = func() {
		hotStore.onDelete = nil
		if err := f.hot.Put(ctx, rewritten); err != nil {
			t.Errorf("concurrent Put: %v", err)
		}
		if _, err := f.idx.Put(ctx, &index.Entry{
			PartitionKey: rewritten.PartitionKey,
			ID:           rewritten.ID,
			Tier:         index.TierHot,
			Timestamp:    rewritten.Timestamp,
		}); err != nil {
			t.Errorf("concurrent index Put: %v", err)
		}
	}

	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(hotStore, f.archive, f.idx, policy, testConfig(), nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 0 {
		t.Errorf("Moved = %d, want 0", report.Moved)
	}
	if report.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", report.Skipped)
	}

	got, err := f.hot.Get(ctx, "user456", "old1")
	if err != nil {
		t.Fatalf("hot Get() error = %v, record was lost", err)
	}
	if string(got.Payload) != "rewritten" {
		t.Errorf("hot payload = %q, want %q", got.Payload, "rewritten")
	}
	entry, err := f.idx.Get(ctx, "user456", "old1")
	if err != nil {
		t.Fatalf("index Get() error = %v", err)
	}
	if entry.Tier != index.TierHot {
		t.Errorf("tier = %s, want hot (write wins)", entry.Tier)
	}
}

func TestRun_ConcurrentWriteBeforeMigratingMark(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	old := agedRecord("old1", 200)
	f.seed(t, old)

	// Bump the index version between the scan and the worker's CAS by
	// re-putting the entry, as a racing write-path update would.
	entry, err := f.idx.Get(ctx, "user456", "old1")
	if err != nil {
		t.Fatalf("index Get() error = %v", err)
	}

	casSpy := &casInjectingIndex{MemoryIndex: f.idx}
	casSpy.before = func() {
		casSpy.before = nil
		if _, err := f.idx.Put(ctx, entry); err != nil {
			t.Errorf("concurrent index Put: %v", err)
		}
	}

	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(f.hot, f.archive, casSpy, policy, testConfig(), nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 0 || report.Skipped != 1 {
		t.Errorf("report = %+v, want 0 moved / 1 skipped", report)
	}
	if _, err := f.hot.Get(ctx, "user456", "old1"); err != nil {
		t.Errorf("hot Get() error = %v, record must stay hot", err)
	}
}

// casInjectingIndex runs a hook before the first CompareAndSwap.
type casInjectingIndex struct {
	*index.MemoryIndex
	before func()
}

func (c *casInjectingIndex) CompareAndSwap(ctx context.Context, expected, next *index.Entry) (*index.Entry, error) {
	if c.before != nil {
		c.before()
	}
	return c.MemoryIndex.CompareAndSwap(ctx, expected, next)
}

func TestRun_DeleteFailureDefersAndNextPassCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, agedRecord("old1", 200))

	cfg := testConfig()
	cfg.MaxRetries = 0
	hotStore := &faultyHotStore{MemoryStore: f.hot, failDeletes: 1}

	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(hotStore, f.archive, f.idx, policy, cfg, nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}

	// Both copies exist after the failed pass; nothing was lost.
	if _, err := f.hot.Get(ctx, "user456", "old1"); err != nil {
		t.Fatalf("hot copy missing after failed delete: %v", err)
	}
	entry, err := f.idx.Get(ctx, "user456", "old1")
	if err != nil {
		t.Fatalf("index Get() error = %v", err)
	}
	if entry.ColdPath == "" {
		t.Error("coldPath not recorded after upload")
	}
	if exists, _ := f.archive.Exists(ctx, entry.ColdPath); !exists {
		t.Error("cold copy missing after failed delete")
	}

	// Next pass completes the migration without re-uploading.
	putsBefore := f.blobs.PutCount
	report, err = w.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if report.Moved != 1 {
		t.Errorf("second run Moved = %d, want 1", report.Moved)
	}
	if f.blobs.PutCount != putsBefore {
		t.Error("second run re-uploaded an identical cold object")
	}
	if _, err := f.hot.Get(ctx, "user456", "old1"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("hot Get() error = %v, want ErrNotFound", err)
	}
	entry, _ = f.idx.Get(ctx, "user456", "old1")
	if entry.Tier != index.TierCold {
		t.Errorf("tier = %s, want cold", entry.Tier)
	}
}

func TestRun_ResumesStrandedMigratingEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	old := agedRecord("old1", 200)
	f.strand(t, old)

	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(f.hot, f.archive, f.idx, policy, testConfig(), nil, testLogger())

	putsBefore := f.blobs.PutCount
	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 1 {
		t.Errorf("Moved = %d, want 1", report.Moved)
	}
	if f.blobs.PutCount != putsBefore {
		t.Error("resume re-uploaded an identical cold object")
	}
	if _, err := f.hot.Get(ctx, "user456", "old1"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("hot Get() error = %v, want ErrNotFound", err)
	}
	entry, err := f.idx.Get(ctx, "user456", "old1")
	if err != nil {
		t.Fatalf("index Get() error = %v", err)
	}
	if entry.Tier != index.TierCold {
		t.Errorf("tier = %s, want cold", entry.Tier)
	}
	got, err := f.archive.GetRecord(ctx, entry.ColdPath)
	if err != nil {
		t.Fatalf("cold GetRecord() error = %v", err)
	}
	if string(got.Payload) != "payload-old1" {
		t.Errorf("cold payload = %q", got.Payload)
	}
}

func TestRun_ResumesStrandedAfterHotDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	old := agedRecord("old1", 200)
	f.strand(t, old)
	// The interrupted run got through the hot delete but died before the
	// final tier flip.
	if err := f.hot.Delete(ctx, "user456", "old1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(f.hot, f.archive, f.idx, policy, testConfig(), nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 1 {
		t.Errorf("Moved = %d, want 1", report.Moved)
	}
	entry, err := f.idx.Get(ctx, "user456", "old1")
	if err != nil || entry.Tier != index.TierCold {
		t.Errorf("entry = %+v, err = %v, want cold tier", entry, err)
	}
}

func TestRun_StrandedEntryRewrittenStaysHot(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	old := agedRecord("old1", 200)
	f.strand(t, old)

	// A client rewrote the record after the crash. The write-path index
	// update was lost, so the entry still says migrating.
	rewritten := old.Clone()
	rewritten.Timestamp = time.Now().UTC()
	rewritten.Payload = []byte("rewritten")
	if err := f.hot.Put(ctx, rewritten); err != nil {
		t.Fatalf("rewrite Put() error = %v", err)
	}

	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(f.hot, f.archive, f.idx, policy, testConfig(), nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 0 {
		t.Errorf("Moved = %d, want 0", report.Moved)
	}

	got, err := f.hot.Get(ctx, "user456", "old1")
	if err != nil {
		t.Fatalf("hot Get() error = %v, record was lost", err)
	}
	if string(got.Payload) != "rewritten" {
		t.Errorf("hot payload = %q, want %q", got.Payload, "rewritten")
	}
	entry, err := f.idx.Get(ctx, "user456", "old1")
	if err != nil {
		t.Fatalf("index Get() error = %v", err)
	}
	if entry.Tier != index.TierHot {
		t.Errorf("tier = %s, want hot (write wins)", entry.Tier)
	}
	if !entry.Timestamp.Equal(rewritten.Timestamp) {
		t.Errorf("entry timestamp = %v, want the rewrite's %v", entry.Timestamp, rewritten.Timestamp)
	}
}

func TestRun_OverrideBacklogDoesNotStarve(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// Three older records sit in a long-retention partition and fill the
	// first batch; the one eligible record sorts behind them.
	for i := 0; i < 3; i++ {
		f.seed(t, &record.Record{
			ID: "keep" + string(rune('a'+i)), PartitionKey: "vip-1",
			Timestamp: time.Now().UTC().AddDate(0, 0, -100-i),
			Payload:   []byte("keep"),
		})
	}
	f.seed(t, agedRecord("move", 95))

	cfg := testConfig()
	cfg.BatchSize = 3
	policy := &RetentionPolicy{
		DefaultDays:  90,
		PerPartition: map[string]int{"vip-": 365},
	}
	w := NewWorker(f.hot, f.archive, f.idx, policy, cfg, nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 1 {
		t.Errorf("Moved = %d, want 1", report.Moved)
	}
	if _, err := f.hot.Get(ctx, "user456", "move"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("eligible record behind the override backlog not migrated: %v", err)
	}
	for _, id := range []string{"keepa", "keepb", "keepc"} {
		if _, err := f.hot.Get(ctx, "vip-1", id); err != nil {
			t.Errorf("vip record %s migrated despite 365-day retention: %v", id, err)
		}
	}
}

func TestRun_UploadFailureKeepsRecordHot(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, agedRecord("old1", 200))

	cfg := testConfig()
	cfg.MaxRetries = 0
	blobs := &faultyBlobStore{MemoryBlobStore: f.blobs, failPuts: 1}
	archive := cold.NewArchiveFromBlobStore(blobs, cold.Options{})

	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(f.hot, archive, f.idx, policy, cfg, nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}
	if _, err := f.hot.Get(ctx, "user456", "old1"); err != nil {
		t.Errorf("hot Get() error = %v, record must stay hot", err)
	}
	entry, err := f.idx.Get(ctx, "user456", "old1")
	if err != nil || entry.Tier != index.TierHot {
		t.Errorf("entry = %+v, err = %v, want hot tier", entry, err)
	}
}

func TestRun_PerPartitionRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	longLived := &record.Record{
		ID: "keep", PartitionKey: "vip-1",
		Timestamp: time.Now().UTC().AddDate(0, 0, -200),
		Payload:   []byte("keep"),
	}
	normal := agedRecord("move", 200)
	f.seed(t, longLived)
	f.seed(t, normal)

	policy := &RetentionPolicy{
		DefaultDays:  90,
		PerPartition: map[string]int{"vip-": 365},
	}
	w := NewWorker(f.hot, f.archive, f.idx, policy, testConfig(), nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 1 {
		t.Errorf("Moved = %d, want 1", report.Moved)
	}
	if _, err := f.hot.Get(ctx, "vip-1", "keep"); err != nil {
		t.Errorf("vip record migrated despite 365-day retention: %v", err)
	}
	if _, err := f.hot.Get(ctx, "user456", "move"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("default-retention record not migrated: %v", err)
	}
}

func TestRun_DryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, agedRecord("old1", 200))

	cfg := testConfig()
	cfg.DryRun = true
	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(f.hot, f.archive, f.idx, policy, cfg, nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 0 {
		t.Errorf("Moved = %d, want 0", report.Moved)
	}
	if f.blobs.PutCount != 0 {
		t.Errorf("dry run uploaded %d objects", f.blobs.PutCount)
	}
	if f.hot.Len() != 1 {
		t.Errorf("dry run deleted hot records, %d left", f.hot.Len())
	}
}

func TestRun_EmptyIndex(t *testing.T) {
	f := newFixture()
	w := NewWorker(f.hot, f.archive, f.idx, DefaultRetentionPolicy(), testConfig(), nil, testLogger())

	report, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 0 || report.BatchesProcessed != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}

func TestRun_MultipleBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for i := 0; i < 5; i++ {
		f.seed(t, agedRecord("old"+string(rune('a'+i)), 100+i))
	}

	cfg := testConfig()
	cfg.BatchSize = 2
	policy := &RetentionPolicy{DefaultDays: 90}
	w := NewWorker(f.hot, f.archive, f.idx, policy, cfg, nil, testLogger())

	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 5 {
		t.Errorf("Moved = %d, want 5", report.Moved)
	}
	if report.BatchesProcessed < 3 {
		t.Errorf("BatchesProcessed = %d, want >= 3", report.BatchesProcessed)
	}
	if f.hot.Len() != 0 {
		t.Errorf("%d hot records left, want 0", f.hot.Len())
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	f := newFixture()
	f.seed(t, agedRecord("old1", 200))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker(f.hot, f.archive, f.idx, DefaultRetentionPolicy(), testConfig(), nil, testLogger())
	report, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Moved != 0 {
		t.Errorf("Moved = %d, want 0 with cancelled context", report.Moved)
	}
}
