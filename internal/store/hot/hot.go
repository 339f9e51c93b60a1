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

// Package hot defines the low-latency point store holding recent records,
// keyed by (partitionKey, id).
package hot

import (
	"context"
	"errors"
	"time"

	"github.com/tundralabs/tundra/internal/record"
)

// ErrModified is returned by DeleteIf when the stored record's timestamp no
// longer matches the caller's revision. The migration worker treats it like
// a CAS conflict: the record was rewritten mid-migration and must stay hot.
var ErrModified = errors.New("record modified concurrently")

// Store is the hot-tier adapter.
type Store interface {
	// Get retrieves a record by key.
	// Returns record.ErrNotFound if the record is not in the store.
	Get(ctx context.Context, partitionKey, id string) (*record.Record, error)

	// Put stores or replaces a record.
	Put(ctx context.Context, r *record.Record) error

	// Delete removes a record unconditionally.
	// Returns record.ErrNotFound if the record does not exist.
	Delete(ctx context.Context, partitionKey, id string) error

	// DeleteIf removes a record only if its stored timestamp equals ts.
	// Returns record.ErrNotFound if the record does not exist and
	// ErrModified if it exists with a different timestamp.
	DeleteIf(ctx context.Context, partitionKey, id string, ts time.Time) error

	// Ping checks connectivity to the underlying store.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
