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
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBlobStore implements BlobStore using Google Cloud Storage.
type GCSBlobStore struct {
	client *storage.Client
	name   string
}

// NewGCSBlobStore creates a new GCS-backed BlobStore. Credentials come from
// cfg when provided and from Application Default Credentials otherwise.
func NewGCSBlobStore(ctx context.Context, bucket string, cfg GCSConfig) (*GCSBlobStore, error) {
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}

	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if len(cfg.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSBlobStore{client: client, name: bucket}, nil
}

func (g *GCSBlobStore) bucket() *storage.BucketHandle {
	return g.client.Bucket(g.name)
}

func (g *GCSBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := g.bucket().Object(key).NewWriter(ctx)
	w.ContentType = contentType
	// Archived records are small; a single-request upload avoids the
	// resumable-session round trips the default chunked writer makes.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return gcsErr("put", err)
	}
	if err := w.Close(); err != nil {
		return gcsErr("put", err)
	}
	return nil
}

func (g *GCSBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket().Object(key).NewReader(ctx)
	if err != nil {
		return nil, gcsErr("get", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, gcsErr("read", err)
	}
	return data, nil
}

func (g *GCSBlobStore) Delete(ctx context.Context, key string) error {
	if err := g.bucket().Object(key).Delete(ctx); err != nil {
		return gcsErr("delete", err)
	}
	return nil
}

func (g *GCSBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.bucket().Objects(ctx, &storage.Query{
		Prefix:     prefix,
		Projection: storage.ProjectionNoACL,
	})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, gcsErr("list", err)
		}
		keys = append(keys, attrs.Name)
	}
}

func (g *GCSBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.bucket().Object(key).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, gcsErr("stat", err)
	}
}

func (g *GCSBlobStore) Ping(ctx context.Context) error {
	if _, err := g.bucket().Attrs(ctx); err != nil {
		return fmt.Errorf("gcs ping bucket %s: %w", g.name, err)
	}
	return nil
}

func (g *GCSBlobStore) Close() error {
	return g.client.Close()
}

// gcsErr maps the client's not-exist sentinel onto the store contract and
// wraps everything else with the failing operation.
func gcsErr(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrObjectNotFound
	}
	return fmt.Errorf("gcs %s: %w", op, err)
}

var _ BlobStore = (*GCSBlobStore)(nil)
