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

// Package scrape implements the scheduler/writer pipeline: a ticker that
// fetches a target on an interval, a bounded queue that buffers scrapes
// with backpressure, and a single writer that parses and exports them.
package scrape

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/prom2sql/prom2sql/internal/export"
	"github.com/prom2sql/prom2sql/internal/promtext"
)

// scrapeResult is one completed fetch awaiting parsing.
type scrapeResult struct {
	timestampMillis int64
	body            []byte
}

// Pipeline owns the bounded queue between the scheduler and the writer. It
// is constructed once per process and run exactly once.
type Pipeline struct {
	logger   log.Logger
	target   string
	instance string
	job      string
	interval time.Duration
	queue    chan scrapeResult
	exporter export.Exporter

	parseLatency prometheus.Histogram
	writeLatency prometheus.Histogram
	dropped      prometheus.Counter
}

// New constructs a Pipeline. If reg is non-nil, per-scrape latency and drop
// counters are registered against it for self-observability.
func New(logger log.Logger, target, instance, job string, interval time.Duration, buffer int, exporter export.Exporter, reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		logger:   logger,
		target:   target,
		instance: instance,
		job:      job,
		interval: interval,
		queue:    make(chan scrapeResult, buffer),
		exporter: exporter,
		parseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "prom2sql_parse_duration_seconds",
			Help: "Time spent parsing one scrape's exposition body.",
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "prom2sql_export_duration_seconds",
			Help: "Time spent exporting one scrape's metric families.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prom2sql_scrapes_dropped_total",
			Help: "Scrapes dropped because the queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.parseLatency, p.writeLatency, p.dropped)
	}
	return p
}

// RunStdin implements stdin mode: read stdin to EOF, stamp with the wall
// clock, enqueue exactly one scrape, close the queue and run the writer to
// completion.
func (p *Pipeline) RunStdin(ctx context.Context, stdin io.Reader) error {
	body, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	p.queue <- scrapeResult{timestampMillis: time.Now().UnixMilli(), body: body}
	close(p.queue)
	return p.writerLoop(ctx)
}

// RunScheduler implements polling mode: tick every interval, fetching the
// target on a detached goroutine per tick and try-sending the result onto
// the bounded queue. A full queue drops the new scrape rather than
// blocking the scheduler. Missed ticks delay rather than burst: time.Ticker
// already adjusts or drops ticks for slow receivers, so at most one tick
// fires immediately after a stall.
//
// RunScheduler returns once ctx is done; in-flight fetch goroutines are
// allowed to finish (or abandon their send) before the queue is closed, so
// the writer never observes a send on a closed channel.
func (p *Pipeline) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(p.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			level.Info(p.logger).Log("msg", "interrupt received, stopping scheduler")
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.collect(ctx)
			}()
		}
	}
}

func (p *Pipeline) collect(ctx context.Context) {
	level.Debug(p.logger).Log("msg", "collecting sample")
	ts, body, err := Fetch(ctx, p.target)
	if err != nil {
		level.Error(p.logger).Log("msg", "unable to collect sample", "err", err)
		return
	}
	select {
	case p.queue <- scrapeResult{timestampMillis: ts, body: body}:
		level.Debug(p.logger).Log("msg", "collected sample", "timestamp", ts)
	case <-ctx.Done():
	default:
		p.dropped.Inc()
		level.Error(p.logger).Log("msg", "unable to send sample", "timestamp", ts)
	}
}

// Writer runs the writer loop until the queue is closed and drained. It is
// the sole caller of the exporter, so it owns the exporter exclusively.
func (p *Pipeline) Writer(ctx context.Context) error {
	return p.writerLoop(ctx)
}

func (p *Pipeline) writerLoop(ctx context.Context) error {
	level.Debug(p.logger).Log("msg", "writer started")
	for res := range p.queue {
		p.process(res)
	}
	level.Debug(p.logger).Log("msg", "no more samples to process")
	return p.exporter.Close()
}

func (p *Pipeline) process(res scrapeResult) {
	level.Debug(p.logger).Log("msg", "processing sample", "timestamp", res.timestampMillis)
	start := time.Now()
	families, err := promtext.Parse(p.instance, p.job, res.body)
	if err != nil {
		level.Error(p.logger).Log("msg", "parse error, discarding scrape", "err", err)
		return
	}
	parseDur := time.Since(start)
	p.parseLatency.Observe(parseDur.Seconds())
	level.Info(p.logger).Log("msg", "parse time", "duration", parseDur)

	for i := range families {
		if !p.exporter.Export(res.timestampMillis, &families[i]) {
			level.Error(p.logger).Log("msg", "unable to export metric family", "metric", families[i].Var)
		}
	}
	writeDur := time.Since(start) - parseDur
	p.writeLatency.Observe(writeDur.Seconds())
	level.Info(p.logger).Log("msg", "write time", "duration", writeDur)
}
