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

package record

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	valid := Record{
		ID:           "r1",
		PartitionKey: "p1",
		Timestamp:    time.Now(),
		Payload:      []byte(`{"a":1}`),
	}

	tests := []struct {
		name    string
		mutate  func(r *Record)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Record) {}, wantErr: false},
		{name: "missing id", mutate: func(r *Record) { r.ID = "" }, wantErr: true},
		{name: "missing partition key", mutate: func(r *Record) { r.PartitionKey = "" }, wantErr: true},
		{name: "zero timestamp", mutate: func(r *Record) { r.Timestamp = time.Time{} }, wantErr: true},
		{name: "oversized payload", mutate: func(r *Record) {
			r.Payload = make([]byte, MaxPayloadBytes+1)
		}, wantErr: true},
		{name: "reserved attribute key", mutate: func(r *Record) {
			r.Attributes = map[string]json.RawMessage{"timestamp": json.RawMessage(`"x"`)}
		}, wantErr: true},
		{name: "ordinary attribute key", mutate: func(r *Record) {
			r.Attributes = map[string]json.RawMessage{"source": json.RawMessage(`"ingest"`)}
		}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *valid.Clone()
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONRoundTripPreservesUnknownFields(t *testing.T) {
	in := &Record{
		ID:           "record123",
		PartitionKey: "user456",
		Timestamp:    time.Date(2025, 4, 18, 10, 22, 0, 0, time.UTC),
		Payload:      []byte("payload bytes"),
		Attributes: map[string]json.RawMessage{
			"source":   json.RawMessage(`"mobile"`),
			"priority": json.RawMessage(`3`),
			"nested":   json.RawMessage(`{"a":[1,2,3]}`),
		},
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if out.ID != in.ID || out.PartitionKey != in.PartitionKey {
		t.Errorf("key fields changed: got %s/%s, want %s/%s",
			out.PartitionKey, out.ID, in.PartitionKey, in.ID)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp changed: got %v, want %v", out.Timestamp, in.Timestamp)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("payload changed: got %q, want %q", out.Payload, in.Payload)
	}
	for k, v := range in.Attributes {
		got, ok := out.Attributes[k]
		if !ok {
			t.Errorf("attribute %q dropped", k)
			continue
		}
		if !jsonEqual(t, got, v) {
			t.Errorf("attribute %q changed: got %s, want %s", k, got, v)
		}
	}
}

func TestUnmarshalForeignFieldsBecomeAttributes(t *testing.T) {
	// A record written by a newer producer carries fields this schema does
	// not know. They must survive a decode/encode cycle untouched.
	data := []byte(`{
		"id": "r1",
		"partitionKey": "p1",
		"timestamp": "2025-04-18T10:22:00Z",
		"payload": "aGVsbG8=",
		"futureField": {"deeply": ["nested", 1]}
	}`)

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	raw, ok := r.Attributes["futureField"]
	if !ok {
		t.Fatal("futureField not preserved in attributes")
	}
	if !jsonEqual(t, raw, json.RawMessage(`{"deeply":["nested",1]}`)) {
		t.Errorf("futureField changed: %s", raw)
	}

	reencoded, err := json.Marshal(&r)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(reencoded, &m); err != nil {
		t.Fatalf("Unmarshal(reencoded) error = %v", err)
	}
	if _, ok := m["futureField"]; !ok {
		t.Error("futureField dropped on re-encode")
	}
}

func TestCloneIsDeep(t *testing.T) {
	r := &Record{
		ID:           "r1",
		PartitionKey: "p1",
		Timestamp:    time.Now(),
		Payload:      []byte("abc"),
		Attributes:   map[string]json.RawMessage{"k": json.RawMessage(`"v"`)},
	}
	cp := r.Clone()
	cp.Payload[0] = 'z'
	cp.Attributes["k"] = json.RawMessage(`"w"`)

	if r.Payload[0] != 'a' {
		t.Error("clone shares payload backing array")
	}
	if string(r.Attributes["k"]) != `"v"` {
		t.Error("clone shares attributes map")
	}
}

func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		t.Fatalf("invalid json %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		t.Fatalf("invalid json %s: %v", b, err)
	}
	aj, _ := json.Marshal(av)
	bj, _ := json.Marshal(bv)
	return bytes.Equal(aj, bj)
}
