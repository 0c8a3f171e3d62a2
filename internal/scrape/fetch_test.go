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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_UsesDateHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", "Tue, 15 Nov 1994 08:12:31 GMT")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("up 1\n"))
	}))
	defer srv.Close()

	ts, body, err := Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "up 1\n", string(body))

	want := time.Date(1994, time.November, 15, 8, 12, 31, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, ts)
}

func TestFetch_FallsBackToWallClockWithoutDateHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// net/http's server auto-populates Date; remove it so Fetch actually
		// exercises the wall-clock fallback path instead of the header path.
		w.Header()["Date"] = nil
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("up 1\n"))
	}))
	defer srv.Close()

	before := time.Now().UnixMilli()
	ts, _, err := Fetch(context.Background(), srv.URL)
	after := time.Now().UnixMilli()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, after)
}

func TestFetch_ErrorStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	_, body, err := Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Nil(t, body)
}

func TestFetch_ConnectionFailureIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, _, err := Fetch(context.Background(), url)
	require.Error(t, err)
}
