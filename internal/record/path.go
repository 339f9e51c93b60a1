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
	"fmt"
	"time"
)

// ColdPath returns the deterministic cold-storage object key for a record:
//
//	{partitionKey}/{year:4}/{month:02}/{day:02}/{id}.json
//
// with the date taken from ts in UTC. The path depends only on immutable
// record fields, so it can be recomputed without consulting the location
// index. The format is bit-exact for interoperability with reconciliation
// tooling; do not change it.
func ColdPath(partitionKey, id string, ts time.Time) string {
	t := ts.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json",
		partitionKey, t.Year(), int(t.Month()), t.Day(), id)
}

// ColdPathFor is shorthand for ColdPath over a record's own fields.
func ColdPathFor(r *Record) string {
	return ColdPath(r.PartitionKey, r.ID, r.Timestamp)
}
