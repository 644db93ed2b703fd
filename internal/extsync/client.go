package extsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	// hard cap on attempts against a rate-limited service
	maxRetries = 5

	// added to every computed wait, the service's clock and ours may drift
	rateLimitSlack = 2 * time.Second

	// epoch seconds at which the request window resets
	headerRateLimitReset = "X-RateLimit-Reset"
)

// legacy enhance-your-calm status some services still answer with
const statusTooManyRequestsLegacy = 420

// RateLimitClient is the outbound helper used whenever the coordinator is
// itself a client of a rate-limited external content source. On a rate-limit
// response it waits for the service's advertised reset time and retries, up
// to maxRetries attempts. Any other failure surfaces immediately.
type RateLimitClient struct {
	client *resty.Client

	// fail instead of waiting when the service rate limits us
	abortOnRateLimit bool

	slack time.Duration
}

func NewRateLimitClient(baseURL string, abortOnRateLimit bool) *RateLimitClient {
	return &RateLimitClient{
		client:           resty.New().SetBaseURL(baseURL),
		abortOnRateLimit: abortOnRateLimit,
		slack:            rateLimitSlack,
	}
}

// Get performs a GET against path, decoding a successful JSON response into
// out. Exhausting the retry budget or an unusable reset hint fails the whole
// operation, never returns a silent empty result.
func (c *RateLimitClient) Get(ctx context.Context, path string, query map[string]string, out any) error {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		res, err := c.client.R().
			SetContext(ctx).
			SetQueryParams(query).
			SetResult(out).
			Get(path)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", path, err)
		}

		if res.IsSuccess() {
			return nil
		}

		code := res.StatusCode()
		if code != http.StatusTooManyRequests && code != statusTooManyRequestsLegacy {
			return fmt.Errorf("%s responded with status %d", path, code)
		}

		if c.abortOnRateLimit {
			slog.Warn("abort on rate limit set, aborting", "path", path)
			return fmt.Errorf("rate limited on %s", path)
		}

		if attempt == maxRetries {
			// no attempt left to wait for
			break
		}

		wait, err := rateLimitWait(res, c.slack)
		if err != nil {
			return fmt.Errorf("rate limited on %s and %w", path, err)
		}

		slog.Debug("waiting for next request window", "path", path, "wait", wait, "attempt", attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("request to %s failed after %d attempts, rate limit budget exhausted", path, maxRetries)
}

// rateLimitWait computes how long to sleep before the next attempt from the
// service's reset hint. The service's own Date header is used instead of the
// local clock, the two may be out of sync.
func rateLimitWait(res *resty.Response, slack time.Duration) (time.Duration, error) {
	resetSeconds, err := strconv.ParseInt(res.Header().Get(headerRateLimitReset), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reset time hint is unusable: %w", err)
	}

	serverDate, err := http.ParseTime(res.Header().Get("Date"))
	if err != nil {
		return 0, fmt.Errorf("server date is unusable: %w", err)
	}

	wait := time.Unix(resetSeconds, 0).Sub(serverDate) + slack
	if wait < time.Millisecond {
		return 0, fmt.Errorf("computed an invalid wait time: %v", wait)
	}
	return wait, nil
}
