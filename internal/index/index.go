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

// Package index defines the location index: the durable mapping from a
// record identifier to the tier that currently holds it. The index is the
// only serialization point in the system; the per-entry compare-and-swap is
// what keeps concurrent migrations and writes from losing data.
package index

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by CompareAndSwap when the stored entry no longer
// matches the expected tier and version. It is never surfaced to end
// callers; the caller aborts or retries the step that observed it.
var ErrConflict = errors.New("index entry modified concurrently")

// Tier identifies which store holds a record.
type Tier string

const (
	// TierHot means the record lives in the hot store.
	TierHot Tier = "hot"
	// TierMigrating means the cold copy is written but the hot delete is
	// not yet confirmed. Readers may be served from either copy.
	TierMigrating Tier = "migrating"
	// TierCold means the record lives only in cold storage at ColdPath.
	TierCold Tier = "cold"
)

// Entry locates one record.
type Entry struct {
	// PartitionKey and ID form the entry key.
	PartitionKey string `json:"partitionKey"`
	ID           string `json:"id"`
	// Tier is where the record currently resides.
	Tier Tier `json:"tier"`
	// ColdPath is set once a cold copy exists (Tier migrating or cold).
	ColdPath string `json:"coldPath,omitempty"`
	// Timestamp is the record's event time, mirrored into the entry so
	// candidate selection and path recomputation need no second lookup.
	Timestamp time.Time `json:"timestamp"`
	// Version increases on every mutation. CompareAndSwap is guarded on
	// it, so any concurrent write invalidates an in-flight migration step
	// even when the tier it stores is unchanged.
	Version int64 `json:"version"`
	// UpdatedAt is when the entry last changed.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy of the entry.
func (e *Entry) Clone() *Entry {
	cp := *e
	return &cp
}

// LocationIndex is the durable record-to-tier mapping. Implementations must
// survive process restarts and support lookup by key and batched scans of
// the hot tier by record timestamp.
type LocationIndex interface {
	// Get returns the entry for (partitionKey, id).
	// Returns record.ErrNotFound if no entry exists.
	Get(ctx context.Context, partitionKey, id string) (*Entry, error)

	// Put upserts the entry unconditionally (last write wins) and bumps
	// its version. The stored entry is returned.
	Put(ctx context.Context, e *Entry) (*Entry, error)

	// CompareAndSwap replaces the stored entry with next only if the
	// stored tier and version match expected. On success the stored entry
	// (with its new version) is returned. Returns ErrConflict if the
	// entry was modified concurrently and record.ErrNotFound if it no
	// longer exists.
	CompareAndSwap(ctx context.Context, expected, next *Entry) (*Entry, error)

	// ScanHotOlderThan returns up to limit hot-tier entries whose record
	// timestamp is before cutoff, oldest first, skipping the first offset
	// matches. The scan is stateless; within a pass, callers page forward
	// by advancing offset past entries they examined but left hot.
	ScanHotOlderThan(ctx context.Context, cutoff time.Time, limit, offset int) ([]*Entry, error)

	// ScanMigrating returns up to limit migrating-tier entries, oldest
	// first. A migrating entry is an interrupted migration: its cold copy
	// exists and only the hot delete and final tier flip remain.
	ScanMigrating(ctx context.Context, limit int) ([]*Entry, error)

	// Ping checks connectivity to the underlying store.
	Ping(ctx context.Context) error

	// Close releases resources held by the index.
	Close() error
}
