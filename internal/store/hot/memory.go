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

package hot

import (
	"context"
	"sync"
	"time"

	"github.com/tundralabs/tundra/internal/record"
)

// MemoryStore is a thread-safe in-memory Store for unit testing.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record.Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record.Record)}
}

func memKey(partitionKey, id string) string {
	return partitionKey + "\x00" + id
}

func (m *MemoryStore) Get(_ context.Context, partitionKey, id string) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[memKey(partitionKey, id)]
	if !ok {
		return nil, record.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[memKey(r.PartitionKey, r.ID)] = r.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, partitionKey, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(partitionKey, id)
	if _, ok := m.records[key]; !ok {
		return record.ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) DeleteIf(_ context.Context, partitionKey, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(partitionKey, id)
	r, ok := m.records[key]
	if !ok {
		return record.ErrNotFound
	}
	if !r.Timestamp.Equal(ts) {
		return ErrModified
	}
	delete(m.records, key)
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
