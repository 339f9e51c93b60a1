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

package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tundralabs/tundra/internal/record"
)

// MemoryIndex is a thread-safe in-memory LocationIndex for unit testing and
// embedded use. It is not durable.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]*Entry)}
}

func memKey(partitionKey, id string) string {
	return partitionKey + "\x00" + id
}

func (m *MemoryIndex) Get(_ context.Context, partitionKey, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[memKey(partitionKey, id)]
	if !ok {
		return nil, record.ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryIndex) Put(_ context.Context, e *Entry) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := e.Clone()
	if prev, ok := m.entries[memKey(e.PartitionKey, e.ID)]; ok {
		stored.Version = prev.Version + 1
	} else {
		stored.Version = 1
	}
	stored.UpdatedAt = time.Now().UTC()
	m.entries[memKey(e.PartitionKey, e.ID)] = stored
	return stored.Clone(), nil
}

func (m *MemoryIndex) CompareAndSwap(_ context.Context, expected, next *Entry) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(expected.PartitionKey, expected.ID)
	cur, ok := m.entries[key]
	if !ok {
		return nil, record.ErrNotFound
	}
	if cur.Tier != expected.Tier || cur.Version != expected.Version {
		return nil, ErrConflict
	}
	stored := next.Clone()
	stored.PartitionKey = expected.PartitionKey
	stored.ID = expected.ID
	stored.Version = cur.Version + 1
	stored.UpdatedAt = time.Now().UTC()
	m.entries[key] = stored
	return stored.Clone(), nil
}

func (m *MemoryIndex) ScanHotOlderThan(_ context.Context, cutoff time.Time, limit, offset int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.Tier == TierHot && e.Timestamp.Before(cutoff) {
			out = append(out, e.Clone())
		}
	}
	return window(out, limit, offset), nil
}

func (m *MemoryIndex) ScanMigrating(_ context.Context, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.Tier == TierMigrating {
			out = append(out, e.Clone())
		}
	}
	return window(out, limit, 0), nil
}

// window sorts entries oldest first and applies offset/limit paging.
func window(out []*Entry, limit, offset int) []*Entry {
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if offset > 0 {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryIndex) Ping(_ context.Context) error { return nil }

func (m *MemoryIndex) Close() error { return nil }

// Ensure MemoryIndex implements LocationIndex.
var _ LocationIndex = (*MemoryIndex)(nil)
