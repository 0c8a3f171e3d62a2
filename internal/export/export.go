// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package export defines the sink contract between the writer loop and a
// pluggable storage backend.
package export

import "github.com/prom2sql/prom2sql/internal/promtext"

// Exporter is the abstract sink for a scrape's parsed metric families. The
// writer loop is its sole caller and caller-serializes all invocations, so
// implementations need no internal locking of their own.
type Exporter interface {
	// Export persists one metric family observed at timestampMillis. It
	// returns false if the family could not be persisted; the writer logs
	// the failure and continues with the next family. A false return is
	// not fatal to the pipeline.
	Export(timestampMillis int64, family *promtext.MetricFamily) bool

	// Close finalizes the exporter. It is called exactly once, after the
	// writer loop has drained the queue, and must be idempotent.
	Close() error
}
