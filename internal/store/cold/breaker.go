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
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker wrapping a BlobStore.
type BreakerConfig struct {
	// Name identifies the breaker in errors and state-change callbacks.
	Name string
	// ConsecutiveFailures trips the breaker once reached. Default: 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns a BreakerConfig with sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "cold-blobstore",
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// BreakerBlobStore wraps a BlobStore with a circuit breaker so a dead
// archive backend fails fast instead of stalling every fallback read.
// ErrObjectNotFound counts as success: a missing object is an answer, not a
// backend failure.
type BreakerBlobStore struct {
	inner BlobStore
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerBlobStore wraps inner with a circuit breaker.
func NewBreakerBlobStore(inner BlobStore, cfg BreakerConfig) *BreakerBlobStore {
	defaults := DefaultBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrObjectNotFound)
		},
	})
	return &BreakerBlobStore{inner: inner, cb: cb}
}

func (b *BreakerBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Put(ctx, key, data, contentType)
	})
	return err
}

func (b *BreakerBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *BreakerBlobStore) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Delete(ctx, key)
	})
	return err
}

func (b *BreakerBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.List(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (b *BreakerBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.Exists(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (b *BreakerBlobStore) Ping(ctx context.Context) error {
	// Ping bypasses the breaker so health checks can observe recovery.
	return b.inner.Ping(ctx)
}

func (b *BreakerBlobStore) Close() error { return b.inner.Close() }

// State returns the current breaker state.
func (b *BreakerBlobStore) State() gobreaker.State { return b.cb.State() }

var _ BlobStore = (*BreakerBlobStore)(nil)
