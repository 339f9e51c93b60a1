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

// Package record defines the record domain model shared by every storage
// tier: the record itself, the sentinel errors adapters translate backend
// failures into, and the deterministic cold-storage path derivation.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by tier adapters and the routers.
var (
	// ErrNotFound is returned when a record (or index entry) does not exist
	// in the consulted tier.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable marks a transient backend failure. Callers may retry;
	// errors.Is(err, ErrUnavailable) distinguishes it from permanent errors.
	ErrUnavailable = errors.New("store unavailable")
)

// Unavailable wraps err as a transient store failure attributed to op.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// MaxPayloadBytes is the upper bound on a record payload.
const MaxPayloadBytes = 300 * 1024

// Reserved field names in the serialized record. Attribute keys must not
// collide with these.
const (
	fieldID           = "id"
	fieldPartitionKey = "partitionKey"
	fieldTimestamp    = "timestamp"
	fieldPayload      = "payload"
)

// Record is an immutable payload plus the metadata needed to route it.
// A new write to the same (PartitionKey, ID) carries a newer Timestamp;
// the payload of a given revision never changes in place.
type Record struct {
	// ID is unique within a partition.
	ID string
	// PartitionKey selects the hot-store partition.
	PartitionKey string
	// Timestamp is the record's event time, monotonic per ID. It is the
	// sole migration-eligibility criterion and an input to the cold path.
	Timestamp time.Time
	// Payload is opaque to the storage layer.
	Payload []byte
	// Attributes carries fields not known to the schema. They round-trip
	// through both tiers unchanged.
	Attributes map[string]json.RawMessage
}

// Validate checks that the record can be stored and routed.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("record: id is required")
	}
	if r.PartitionKey == "" {
		return errors.New("record: partition key is required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("record: timestamp is required")
	}
	if len(r.Payload) > MaxPayloadBytes {
		return fmt.Errorf("record: payload exceeds %d bytes", MaxPayloadBytes)
	}
	for k := range r.Attributes {
		switch k {
		case fieldID, fieldPartitionKey, fieldTimestamp, fieldPayload:
			return fmt.Errorf("record: attribute %q collides with a reserved field", k)
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := &Record{
		ID:           r.ID,
		PartitionKey: r.PartitionKey,
		Timestamp:    r.Timestamp,
	}
	if r.Payload != nil {
		cp.Payload = make([]byte, len(r.Payload))
		copy(cp.Payload, r.Payload)
	}
	if r.Attributes != nil {
		cp.Attributes = make(map[string]json.RawMessage, len(r.Attributes))
		for k, v := range r.Attributes {
			raw := make(json.RawMessage, len(v))
			copy(raw, v)
			cp.Attributes[k] = raw
		}
	}
	return cp
}

// MarshalJSON encodes the record as a flat, self-describing field map.
// Unknown attributes are emitted alongside the schema fields so readers
// that predate an attribute still round-trip it.
func (r *Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(r.Attributes)+4)
	for k, v := range r.Attributes {
		m[k] = v
	}

	var err error
	if m[fieldID], err = json.Marshal(r.ID); err != nil {
		return nil, fmt.Errorf("record: marshal id: %w", err)
	}
	if m[fieldPartitionKey], err = json.Marshal(r.PartitionKey); err != nil {
		return nil, fmt.Errorf("record: marshal partition key: %w", err)
	}
	if m[fieldTimestamp], err = json.Marshal(r.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("record: marshal timestamp: %w", err)
	}
	if m[fieldPayload], err = json.Marshal(r.Payload); err != nil {
		return nil, fmt.Errorf("record: marshal payload: %w", err)
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the flat field map produced by MarshalJSON. Fields
// not part of the schema are preserved in Attributes.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("record: unmarshal: %w", err)
	}

	if raw, ok := m[fieldID]; ok {
		if err := json.Unmarshal(raw, &r.ID); err != nil {
			return fmt.Errorf("record: unmarshal id: %w", err)
		}
		delete(m, fieldID)
	}
	if raw, ok := m[fieldPartitionKey]; ok {
		if err := json.Unmarshal(raw, &r.PartitionKey); err != nil {
			return fmt.Errorf("record: unmarshal partition key: %w", err)
		}
		delete(m, fieldPartitionKey)
	}
	if raw, ok := m[fieldTimestamp]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("record: unmarshal timestamp: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("record: parse timestamp: %w", err)
		}
		r.Timestamp = t
		delete(m, fieldTimestamp)
	}
	if raw, ok := m[fieldPayload]; ok {
		if err := json.Unmarshal(raw, &r.Payload); err != nil {
			return fmt.Errorf("record: unmarshal payload: %w", err)
		}
		delete(m, fieldPayload)
	}

	if len(m) > 0 {
		r.Attributes = m
	} else {
		r.Attributes = nil
	}
	return nil
}
