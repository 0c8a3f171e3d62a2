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

// Package sqlnorm implements the SQL-backed normalizing Exporter: it
// interns metric names, label names, label values and label-value-set
// series into surrogate integer keys, provisions one value table per
// scalar metric, and appends samples to it.
package sqlnorm

// ddlPrelude creates the interning tables if they do not already exist.
// It is run once on Open and is idempotent across restarts.
const ddlPrelude = `
CREATE TABLE IF NOT EXISTS metric (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	help TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS label (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS label_value (
	id       BIGSERIAL PRIMARY KEY,
	label_id BIGINT NOT NULL REFERENCES label(id),
	value    TEXT NOT NULL,
	UNIQUE(label_id, value)
);

CREATE TABLE IF NOT EXISTS series (
	id        BIGSERIAL PRIMARY KEY,
	metric_id BIGINT NOT NULL REFERENCES metric(id)
);

CREATE TABLE IF NOT EXISTS label_set (
	series_id      BIGINT NOT NULL REFERENCES series(id) ON DELETE CASCADE,
	label_value_id BIGINT NOT NULL REFERENCES label_value(id),
	PRIMARY KEY (series_id, label_value_id)
);
`

// quoteIdent double-quotes a SQL identifier, doubling any embedded quote.
// This is also the normalizer's answer to the value-table naming question
// raised by metric names containing ':': a quoted identifier accepts it
// without any further escaping.
func quoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, name[i])
	}
	out = append(out, '"')
	return string(out)
}
