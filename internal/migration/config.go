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

package migration

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultRetentionDays = 90

// Config tunes the migration worker behaviour.
type Config struct {
	BatchSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
	// RatePerSecond caps record migrations per second. Zero disables the
	// limiter.
	RatePerSecond float64
	// Concurrency is the number of records migrated in parallel within a
	// batch.
	Concurrency int
	DryRun      bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      1000,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		RatePerSecond:  0,
		Concurrency:    8,
	}
}

// RetentionPolicy controls how long records stay in the hot tier before
// becoming eligible for migration. Per-partition overrides match on
// partition key prefix; the longest matching prefix wins.
type RetentionPolicy struct {
	DefaultDays  int            `yaml:"defaultDays"`
	PerPartition map[string]int `yaml:"perPartition,omitempty"`
}

// DefaultRetentionPolicy returns a policy with the default retention window
// and no per-partition overrides.
func DefaultRetentionPolicy() *RetentionPolicy {
	return &RetentionPolicy{DefaultDays: defaultRetentionDays}
}

// LoadRetentionPolicy reads and parses a retention YAML file.
func LoadRetentionPolicy(path string) (*RetentionPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading retention policy: %w", err)
	}
	var p RetentionPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing retention policy: %w", err)
	}
	if p.DefaultDays <= 0 {
		p.DefaultDays = defaultRetentionDays
	}
	return &p, nil
}

// Cutoff returns the retention cutoff for the given partition key. Records
// with timestamps before this time are eligible for migration.
func (p *RetentionPolicy) Cutoff(partitionKey string, now time.Time) time.Time {
	days := p.DefaultDays
	if days <= 0 {
		days = defaultRetentionDays
	}
	longest := -1
	for prefix, d := range p.PerPartition {
		if d > 0 && strings.HasPrefix(partitionKey, prefix) && len(prefix) > longest {
			longest = len(prefix)
			days = d
		}
	}
	return now.AddDate(0, 0, -days)
}

// ScanCutoff returns the latest cutoff across all per-partition overrides
// and the default, i.e. the shortest retention window. The batch scan uses
// this as a superset bound; entries are re-filtered per partition afterwards.
func (p *RetentionPolicy) ScanCutoff(now time.Time) time.Time {
	days := p.DefaultDays
	if days <= 0 {
		days = defaultRetentionDays
	}
	max := now.AddDate(0, 0, -days)
	for _, d := range p.PerPartition {
		if d > 0 {
			cutoff := now.AddDate(0, 0, -d)
			if cutoff.After(max) {
				max = cutoff
			}
		}
	}
	return max
}
