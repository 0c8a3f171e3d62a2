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

package scrape

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prom2sql/prom2sql/internal/promtext"
)

// fakeExporter records every family it is handed and blocks inside Export
// until gate is closed, letting tests pin the writer mid-scrape to exercise
// queue-full behavior deterministically.
type fakeExporter struct {
	mu       sync.Mutex
	families []string
	closed   bool
	gate     chan struct{}
}

func newFakeExporter() *fakeExporter {
	return &fakeExporter{}
}

func (f *fakeExporter) Export(_ int64, family *promtext.MetricFamily) bool {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.families = append(f.families, family.Var)
	f.mu.Unlock()
	return true
}

func (f *fakeExporter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeExporter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.families))
	copy(out, f.families)
	return out
}

func TestPipeline_RunStdin(t *testing.T) {
	exp := newFakeExporter()
	p := New(log.NewNopLogger(), "-", "", "", time.Second, 5, exp, nil)

	err := p.RunStdin(context.Background(), strings.NewReader("up 1\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"up"}, exp.names())
	assert.True(t, exp.closed)
}

func TestPipeline_RunStdin_ParseErrorIsDiscardedNotFatal(t *testing.T) {
	exp := newFakeExporter()
	p := New(log.NewNopLogger(), "-", "", "", time.Second, 5, exp, nil)

	err := p.RunStdin(context.Background(), strings.NewReader("not a valid line with no newline"))
	require.NoError(t, err)
	assert.Empty(t, exp.names())
	assert.True(t, exp.closed)
}

func TestPipeline_QueueFullDropsNewScrape(t *testing.T) {
	exp := newFakeExporter()
	exp.gate = make(chan struct{})
	p := New(log.NewNopLogger(), "unused", "", "", time.Hour, 1, exp, nil)

	// Fill the one-deep queue directly, then attempt a second enqueue via
	// the same non-blocking send collect() uses internally.
	p.queue <- scrapeResult{timestampMillis: 1, body: []byte("a 1\n")}

	select {
	case p.queue <- scrapeResult{timestampMillis: 2, body: []byte("b 1\n")}:
		t.Fatal("expected the second send on a full queue to be dropped, not accepted")
	default:
	}

	close(exp.gate)
	close(p.queue)
	require.NoError(t, p.writerLoop(context.Background()))
	assert.Equal(t, []string{"a"}, exp.names())
}

func TestPipeline_WriterDrainsUntilQueueClosed(t *testing.T) {
	exp := newFakeExporter()
	p := New(log.NewNopLogger(), "unused", "", "", time.Hour, 5, exp, nil)

	p.queue <- scrapeResult{timestampMillis: 1, body: []byte("a 1\n")}
	p.queue <- scrapeResult{timestampMillis: 2, body: []byte("b 1\n")}
	close(p.queue)

	require.NoError(t, p.writerLoop(context.Background()))
	assert.Equal(t, []string{"a", "b"}, exp.names())
	assert.True(t, exp.closed)
}
