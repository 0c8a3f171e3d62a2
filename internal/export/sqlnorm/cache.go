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

package sqlnorm

import "strconv"

// labelValueKey identifies one interned (label, value) pair.
type labelValueKey struct {
	labelID int64
	value   string
}

// seriesKey identifies one interned (metric, label-value-set) tuple. The
// label value IDs are joined in the order the series cache builds them:
// instance, then job, then per-sample labels in wire order.
type seriesKey string

func makeSeriesKey(metricID int64, labelValueIDs []int64) seriesKey {
	b := make([]byte, 0, 16*(len(labelValueIDs)+1))
	b = strconv.AppendInt(b, metricID, 10)
	for _, id := range labelValueIDs {
		b = append(b, '|')
		b = strconv.AppendInt(b, id, 10)
	}
	return seriesKey(b)
}

// caches are process-lifetime, populated lazily on first sight and never
// evicted. A scrape target's label cardinality is assumed bounded and
// stable; a production deployment would want a bounded eviction policy
// (e.g. an LRU capped at some fixed entry count) with re-query on miss.
type caches struct {
	metric      map[string]int64
	label       map[string]int64
	labelValue  map[labelValueKey]int64
	series      map[seriesKey]int64
	valueTables map[string]bool
}

func newCaches() *caches {
	return &caches{
		metric:      make(map[string]int64),
		label:       make(map[string]int64),
		labelValue:  make(map[labelValueKey]int64),
		series:      make(map[seriesKey]int64),
		valueTables: make(map[string]bool),
	}
}
