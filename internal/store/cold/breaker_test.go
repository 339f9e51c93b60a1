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
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

// faultyBlobStore fails every operation with the configured error.
type faultyBlobStore struct {
	MemoryBlobStore
	err error
}

func (f *faultyBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.MemoryBlobStore.Get(ctx, key)
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	backendErr := errors.New("connection refused")
	inner := &faultyBlobStore{err: backendErr}
	inner.data = map[string][]byte{}

	b := NewBreakerBlobStore(inner, BreakerConfig{
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Minute,
	})

	for i := 0; i < 3; i++ {
		if _, err := b.Get(ctx, "k"); !errors.Is(err, backendErr) {
			t.Fatalf("Get() #%d error = %v, want backend error", i, err)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", b.State())
	}
	if _, err := b.Get(ctx, "k"); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Get() with open breaker error = %v, want ErrOpenState", err)
	}
}

func TestBreakerTreatsNotFoundAsSuccess(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryBlobStore()
	b := NewBreakerBlobStore(inner, BreakerConfig{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	})

	// Missing objects are a normal answer on the fallback read path and must
	// not trip the breaker.
	for i := 0; i < 10; i++ {
		if _, err := b.Get(ctx, "missing"); !errors.Is(err, ErrObjectNotFound) {
			t.Fatalf("Get() error = %v, want ErrObjectNotFound", err)
		}
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", b.State())
	}
}
