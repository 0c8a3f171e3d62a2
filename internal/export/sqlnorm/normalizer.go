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

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/lib/pq"

	"github.com/prom2sql/prom2sql/internal/promtext"
)

// Normalizer is an export.Exporter that interns metric, label, label-value
// and series identities into surrogate integer keys before persisting
// samples to per-metric value tables. It is owned exclusively by the
// writer loop; no internal locking is required or performed.
type Normalizer struct {
	db       *sql.DB
	logger   log.Logger
	instance string
	job      string

	instanceLabelValueID *int64
	jobLabelValueID      *int64

	c *caches
}

// Open connects to the given data source (a lib/pq connection string),
// runs the idempotent DDL prelude, and interns the configured instance and
// job label values, if any.
func Open(ctx context.Context, dsn string, instance, job string, logger log.Logger) (*Normalizer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddlPrelude); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	n := &Normalizer{
		db:       db,
		logger:   logger,
		instance: instance,
		job:      job,
		c:        newCaches(),
	}

	if instance != "" {
		id, err := n.ensureLabelValue(ctx, "instance", instance)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("interning instance label: %w", err)
		}
		n.instanceLabelValueID = &id
	}
	if job != "" {
		id, err := n.ensureLabelValue(ctx, "job", job)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("interning job label: %w", err)
		}
		n.jobLabelValueID = &id
	}
	return n, nil
}

// Export implements export.Exporter.
func (n *Normalizer) Export(timestampMillis int64, family *promtext.MetricFamily) bool {
	ctx := context.Background()

	metricID, err := n.ensureMetric(ctx, family.Var, family.Type, family.Help)
	if err != nil {
		level.Error(n.logger).Log("msg", "unable to intern metric", "metric", family.Var, "err", err)
		return false
	}

	switch family.Type {
	case promtext.TypeHistogram, promtext.TypeSummary:
		// Reserved: bucket/quantile storage is not implemented in the
		// core. Samples are accepted but not persisted, per the
		// exporter contract's leniency for unsupported family types.
		level.Debug(n.logger).Log("msg", "histogram/summary storage not implemented, skipping", "metric", family.Var)
		return true
	}

	if err := n.ensureValueTable(ctx, family.Var); err != nil {
		level.Error(n.logger).Log("msg", "unable to provision value table", "metric", family.Var, "err", err)
		return false
	}

	ok := true
	for _, sample := range family.Samples {
		value, err := strconv.ParseFloat(sample.Value, 64)
		if err != nil {
			level.Error(n.logger).Log("msg", "unable to parse sample value", "metric", sample.Var, "value", sample.Value, "err", err)
			ok = false
			continue
		}

		lvIDs, err := n.internSampleLabels(ctx, sample.Labels)
		if err != nil {
			level.Error(n.logger).Log("msg", "unable to intern sample labels", "metric", sample.Var, "err", err)
			ok = false
			continue
		}

		seriesID, err := n.ensureSeries(ctx, metricID, lvIDs)
		if err != nil {
			level.Error(n.logger).Log("msg", "unable to intern series", "metric", sample.Var, "err", err)
			ok = false
			continue
		}

		if err := n.insertValue(ctx, family.Var, seriesID, timestampMillis, value); err != nil {
			level.Error(n.logger).Log("msg", "storage error inserting sample", "metric", sample.Var, "err", err)
			ok = false
			continue
		}
	}
	return ok
}

// Close implements export.Exporter. It is idempotent.
func (n *Normalizer) Close() error {
	if n.db == nil {
		return nil
	}
	err := n.db.Close()
	n.db = nil
	return err
}

func (n *Normalizer) ensureMetric(ctx context.Context, name string, mtype promtext.Type, help string) (int64, error) {
	if id, ok := n.c.metric[name]; ok {
		return id, nil
	}

	var id int64
	var existingType string
	err := n.db.QueryRowContext(ctx, `SELECT id, type FROM metric WHERE name = $1`, name).Scan(&id, &existingType)
	switch {
	case err == nil:
		if existingType != string(mtype) {
			level.Warn(n.logger).Log("msg", "metric re-declared with a different type, keeping original", "metric", name, "declared", existingType, "new", mtype)
		}
		n.c.metric[name] = id
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		err = n.db.QueryRowContext(ctx, `INSERT INTO metric (name, type, help) VALUES ($1, $2, $3) RETURNING id`, name, string(mtype), help).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("inserting metric %q: %w", name, err)
		}
		n.c.metric[name] = id
		return id, nil
	default:
		return 0, fmt.Errorf("looking up metric %q: %w", name, err)
	}
}

func (n *Normalizer) ensureLabel(ctx context.Context, name string) (int64, error) {
	if id, ok := n.c.label[name]; ok {
		return id, nil
	}

	var id int64
	err := n.db.QueryRowContext(ctx, `SELECT id FROM label WHERE name = $1`, name).Scan(&id)
	switch {
	case err == nil:
		n.c.label[name] = id
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		err = n.db.QueryRowContext(ctx, `INSERT INTO label (name) VALUES ($1) RETURNING id`, name).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("inserting label %q: %w", name, err)
		}
		n.c.label[name] = id
		return id, nil
	default:
		return 0, fmt.Errorf("looking up label %q: %w", name, err)
	}
}

func (n *Normalizer) ensureLabelValue(ctx context.Context, labelName, value string) (int64, error) {
	labelID, err := n.ensureLabel(ctx, labelName)
	if err != nil {
		return 0, err
	}
	key := labelValueKey{labelID: labelID, value: value}
	if id, ok := n.c.labelValue[key]; ok {
		return id, nil
	}

	var id int64
	err = n.db.QueryRowContext(ctx, `SELECT id FROM label_value WHERE label_id = $1 AND value = $2`, labelID, value).Scan(&id)
	switch {
	case err == nil:
		n.c.labelValue[key] = id
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		err = n.db.QueryRowContext(ctx, `INSERT INTO label_value (label_id, value) VALUES ($1, $2) RETURNING id`, labelID, value).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("inserting label_value (%q, %q): %w", labelName, value, err)
		}
		n.c.labelValue[key] = id
		return id, nil
	default:
		return 0, fmt.Errorf("looking up label_value (%q, %q): %w", labelName, value, err)
	}
}

// internSampleLabels builds the ordered label-value-id list used as a
// series cache key and lookup: the configured instance id (if any), the
// configured job id (if any), then each sample label's id in wire order.
// The instance/job labels are already present in sample.Labels (the parser
// prepends them), so they are skipped here to avoid double interning.
func (n *Normalizer) internSampleLabels(ctx context.Context, labels []promtext.Label) ([]int64, error) {
	ids := make([]int64, 0, len(labels)+2)
	if n.instanceLabelValueID != nil {
		ids = append(ids, *n.instanceLabelValueID)
	}
	if n.jobLabelValueID != nil {
		ids = append(ids, *n.jobLabelValueID)
	}
	for _, l := range labels {
		if l.Name == "instance" && n.instanceLabelValueID != nil {
			continue
		}
		if l.Name == "job" && n.jobLabelValueID != nil {
			continue
		}
		id, err := n.ensureLabelValue(ctx, l.Name, l.Value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ensureSeries interns the (metric, label-value-set) tuple. Unlike the
// naive INTERSECT-based existence check (which matches any series whose
// label set is a *superset* of the requested one), this performs an exact
// cardinality-matched lookup: the candidate series must have exactly
// len(labelValueIDs) label_set rows, all of which are in the requested set.
func (n *Normalizer) ensureSeries(ctx context.Context, metricID int64, labelValueIDs []int64) (int64, error) {
	key := makeSeriesKey(metricID, labelValueIDs)
	if id, ok := n.c.series[key]; ok {
		return id, nil
	}

	var id int64
	err := n.db.QueryRowContext(ctx, `
		SELECT s.id FROM series s
		WHERE s.metric_id = $1
		AND (SELECT COUNT(*) FROM label_set ls WHERE ls.series_id = s.id) = $2
		AND NOT EXISTS (
			SELECT 1 FROM unnest($3::bigint[]) AS want(lv_id)
			WHERE NOT EXISTS (
				SELECT 1 FROM label_set ls2
				WHERE ls2.series_id = s.id AND ls2.label_value_id = want.lv_id
			)
		)
		LIMIT 1
	`, metricID, len(labelValueIDs), pq.Array(labelValueIDs)).Scan(&id)

	switch {
	case err == nil:
		n.c.series[key] = id
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		id, err = n.insertSeries(ctx, metricID, labelValueIDs)
		if err != nil {
			return 0, err
		}
		n.c.series[key] = id
		return id, nil
	default:
		return 0, fmt.Errorf("looking up series for metric %d: %w", metricID, err)
	}
}

func (n *Normalizer) insertSeries(ctx context.Context, metricID int64, labelValueIDs []int64) (int64, error) {
	tx, err := n.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning series insert: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `INSERT INTO series (metric_id) VALUES ($1) RETURNING id`, metricID).Scan(&id); err != nil {
		return 0, fmt.Errorf("inserting series: %w", err)
	}
	for _, lvID := range labelValueIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO label_set (series_id, label_value_id) VALUES ($1, $2)`, id, lvID); err != nil {
			return 0, fmt.Errorf("inserting label_set row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing series insert: %w", err)
	}
	return id, nil
}

// ensureValueTable provisions the per-metric value table on first sight.
func (n *Normalizer) ensureValueTable(ctx context.Context, name string) error {
	if n.c.valueTables[name] {
		return nil
	}
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			series_id BIGINT NOT NULL REFERENCES series(id) ON DELETE CASCADE,
			timestamp BIGINT NOT NULL,
			value     DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (series_id, timestamp)
		)`, quoteIdent(name))
	if _, err := n.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating value table %q: %w", name, err)
	}
	n.c.valueTables[name] = true
	return nil
}

func (n *Normalizer) insertValue(ctx context.Context, metricName string, seriesID int64, timestampMillis int64, value float64) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (series_id, timestamp, value) VALUES ($1, $2, $3)`, quoteIdent(metricName))
	_, err := n.db.ExecContext(ctx, stmt, seriesID, timestampMillis, value)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate sample at (series %d, timestamp %d): %w", seriesID, timestampMillis, err)
		}
		return err
	}
	return nil
}
