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
	"fmt"
	"io"
	"net/http"
	"time"
)

// fetchTransport opens a fresh connection for every request and never
// reuses one: a scrape target is assumed to be a short-lived, one-shot
// HTTP/1.1 GET.
var fetchTransport = &http.Transport{
	DisableKeepAlives: true,
}

var fetchClient = &http.Client{
	Transport: fetchTransport,
}

// Fetch issues a single HTTP/1.1 GET against rawURL and returns the
// response body along with a millisecond-epoch timestamp.
//
// The timestamp is taken from the response's Date header when present and
// parseable; otherwise it falls back to the wall clock at the moment the
// body finishes reading. A response status of 400 or above is treated as
// an error; the body is not returned in that case.
func Fetch(ctx context.Context, rawURL string) (timestampMillis int64, body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := fetchClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	readTime := time.Now()
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, nil, fmt.Errorf("fetching %s: server returned %s", rawURL, resp.Status)
	}

	ts := readTime
	if date := resp.Header.Get("Date"); date != "" {
		if parsed, err := http.ParseTime(date); err == nil {
			ts = parsed
		}
	}
	return ts.UnixMilli(), body, nil
}
