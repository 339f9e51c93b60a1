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

package cold

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tundralabs/tundra/internal/record"
)

const contentTypeJSON = "application/json"

// Archive is the cold-tier record store. It serializes records as
// self-describing JSON and writes them at their deterministic path.
type Archive struct {
	store     BlobStore
	prefix    string
	ownsStore bool
}

// NewArchive creates an Archive from the given Config, instantiating the
// appropriate BlobStore backend and verifying connectivity.
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cold archive: bucket is required")
	}

	store, err := createBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Breaker != nil {
		store = NewBreakerBlobStore(store, *cfg.Breaker)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("cold archive: ping: %w", err)
	}

	return &Archive{store: store, prefix: cfg.Prefix, ownsStore: true}, nil
}

// createBlobStore instantiates the backend-specific BlobStore.
func createBlobStore(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Backend {
	case BackendS3:
		if cfg.S3 == nil {
			return nil, fmt.Errorf("cold archive: S3 config is required for S3 backend")
		}
		return NewS3BlobStore(ctx, cfg.Bucket, *cfg.S3)
	case BackendGCS:
		gcsCfg := GCSConfig{}
		if cfg.GCS != nil {
			gcsCfg = *cfg.GCS
		}
		return NewGCSBlobStore(ctx, cfg.Bucket, gcsCfg)
	case BackendAzure:
		if cfg.Azure == nil {
			return nil, fmt.Errorf("cold archive: Azure config is required for Azure backend")
		}
		return NewAzureBlobStore(ctx, cfg.Bucket, *cfg.Azure)
	default:
		return nil, fmt.Errorf("cold archive: unsupported backend %q", cfg.Backend)
	}
}

// NewArchiveFromBlobStore wraps an existing BlobStore. The caller retains
// ownership of the store; Close will not close it.
func NewArchiveFromBlobStore(store BlobStore, opts Options) *Archive {
	return &Archive{store: store, prefix: opts.Prefix, ownsStore: false}
}

// DerivedPath returns the object key the archive uses for the given record
// coordinates: the configured prefix plus the deterministic cold path.
func (a *Archive) DerivedPath(partitionKey, id string, ts time.Time) string {
	return a.prefix + record.ColdPath(partitionKey, id, ts)
}

// PutRecord uploads the record at its deterministic path. The upload is
// idempotent: if an object already exists with identical content (compared
// by SHA-256), nothing is written. It returns the object path and whether
// an upload actually happened.
func (a *Archive) PutRecord(ctx context.Context, r *record.Record) (string, bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", false, fmt.Errorf("cold archive: marshal record: %w", err)
	}
	path := a.prefix + record.ColdPathFor(r)

	existing, err := a.store.Get(ctx, path)
	switch {
	case err == nil:
		if sha256.Sum256(existing) == sha256.Sum256(data) {
			return path, false, nil
		}
	case errors.Is(err, ErrObjectNotFound):
		// First upload.
	default:
		return "", false, record.Unavailable("cold archive: check existing", err)
	}

	if err := a.store.Put(ctx, path, data, contentTypeJSON); err != nil {
		return "", false, record.Unavailable("cold archive: put", err)
	}
	return path, true, nil
}

// GetRecord retrieves and decodes the record stored at path.
// Returns record.ErrNotFound if no object exists there.
func (a *Archive) GetRecord(ctx context.Context, path string) (*record.Record, error) {
	data, err := a.store.Get(ctx, path)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, record.ErrNotFound
		}
		return nil, record.Unavailable("cold archive: get", err)
	}

	var r record.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("cold archive: unmarshal record: %w", err)
	}
	return &r, nil
}

// Exists reports whether an object is stored at path.
func (a *Archive) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := a.store.Exists(ctx, path)
	if err != nil {
		return false, record.Unavailable("cold archive: exists", err)
	}
	return ok, nil
}

// List enumerates object paths under prefix (relative to the archive's own
// base prefix), for reconciliation tooling.
func (a *Archive) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := a.store.List(ctx, a.prefix+prefix)
	if err != nil {
		return nil, record.Unavailable("cold archive: list", err)
	}
	return keys, nil
}

// Ping checks connectivity to the underlying store.
func (a *Archive) Ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// Close releases resources. If the Archive owns the store, it is closed.
func (a *Archive) Close() error {
	if a.ownsStore {
		return a.store.Close()
	}
	return nil
}
