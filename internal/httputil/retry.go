// Package httputil backs the TTS forwarding worker's (component I)
// outbound calls to its speech-synthesis endpoint: a POST with
// JSON-encoded retry and exponential backoff, so one flaky call
// doesn't silently drop a summary spec.md §5 says should tolerate up
// to max_retries attempts.
package httputil

import (
	"bytes"
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/vlmmonitor/core/internal/logging"
)

var log = logging.L("httputil")

// Backoff shape for the TTS endpoint's retry policy (spec.md §5: "TTS
// per-request timeout (default 10 s), max_retries (default 3)"). The
// only knob a caller actually varies is how many attempts to spend;
// the shape of the backoff itself is fixed here rather than exposed
// as a second generic config surface.
const (
	initialRetryDelay = 1 * time.Second
	maxRetryDelay     = 10 * time.Second
	backoffFactor     = 2.0
	jitterFrac        = 0.3 // ±30%
)

// isRetryableStatus returns true for HTTP status codes that are safe to retry.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// PostJSON posts body to url with a JSON content type, retrying up to
// maxRetries times on a network error or a retryable HTTP status with
// exponential backoff. Used by the TTS worker to forward a finalized
// InferenceRecord's summary.
func PostJSON(ctx context.Context, client *http.Client, url string, body []byte, maxRetries int) (*http.Response, error) {
	var lastErr error
	delay := initialRetryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			jittered := applyJitter(delay)
			log.Debug("retrying tts request",
				"attempt", attempt,
				"delay", jittered,
				"url", url,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered):
			}

			delay = time.Duration(float64(delay) * backoffFactor)
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err // not retryable
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue // network error — retry
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil // success or non-retryable error
		}

		// Retryable status — close body and retry
		resp.Body.Close()
		lastErr = &RetryableStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	log.Warn("tts: all retries exhausted",
		"url", url,
		"attempts", maxRetries+1,
		"error", lastErr,
	)
	return nil, lastErr
}

// RetryableStatusError indicates the server returned a retryable HTTP status.
type RetryableStatusError struct {
	StatusCode int
	URL        string
}

func (e *RetryableStatusError) Error() string {
	return "request to " + e.URL + " failed after retries with status " + http.StatusText(e.StatusCode)
}

// applyJitter adds ±jitterFrac random jitter to a duration.
func applyJitter(d time.Duration) time.Duration {
	jitter := float64(d) * jitterFrac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
