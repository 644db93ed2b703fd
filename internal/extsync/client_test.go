package extsync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Id  string
	Url string
}

// newTestClient shortens the wait slack so rate-limit paths run in
// milliseconds instead of seconds.
func newTestClient(baseURL string, abortOnRateLimit bool) *RateLimitClient {
	client := NewRateLimitClient(baseURL, abortOnRateLimit)
	client.slack = 5 * time.Millisecond
	return client
}

// rateLimited writes a 429 whose reset hint equals the server's own Date, so
// the computed wait collapses to the slack alone.
func rateLimited(w http.ResponseWriter, code int) {
	now := time.Now().UTC().Truncate(time.Second)
	w.Header().Set("Date", now.Format(http.TimeFormat))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", now.Unix()))
	w.WriteHeader(code)
}

func TestGetDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/media/item-1", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("detail"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Id": "item-1", "Url": "http://cdn/item-1.jpg"}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, false)

	var out testPayload
	err := client.Get(context.Background(), "/media/item-1", map[string]string{"detail": "full"}, &out)
	require.NoError(t, err)
	assert.Equal(t, testPayload{Id: "item-1", Url: "http://cdn/item-1.jpg"}, out)
}

func TestGetRetryBudgetExhausted(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		rateLimited(w, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, false)

	var out testPayload
	err := client.Get(context.Background(), "/media/item-1", nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5 attempts")
	assert.EqualValues(t, 5, requests.Load())
}

func TestGetRecoversAfterRateLimit(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			rateLimited(w, http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Id": "item-1"}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, false)

	var out testPayload
	err := client.Get(context.Background(), "/media/item-1", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "item-1", out.Id)
	assert.EqualValues(t, 3, requests.Load())
}

func TestGetLegacyRateLimitStatus(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			rateLimited(w, statusTooManyRequestsLegacy)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"Id": "item-1"}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL, false)

	var out testPayload
	require.NoError(t, client.Get(context.Background(), "/media/item-1", nil, &out))
	assert.EqualValues(t, 2, requests.Load())
}

func TestGetNoWaitAfterFinalAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rateLimited(w, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, false)
	client.slack = 250 * time.Millisecond

	start := time.Now()
	err := client.Get(context.Background(), "/media/item-1", nil, &testPayload{})
	require.Error(t, err)

	// four waits separate the five attempts, none after the last
	assert.Less(t, time.Since(start), 5*client.slack)
}

func TestGetAbortOnRateLimit(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		rateLimited(w, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, true)

	var out testPayload
	err := client.Get(context.Background(), "/media/item-1", nil, &out)
	require.Error(t, err)
	assert.EqualValues(t, 1, requests.Load())
}

func TestGetOtherErrorsAreTerminal(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, false)

	var out testPayload
	err := client.Get(context.Background(), "/media/item-1", nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.EqualValues(t, 1, requests.Load())
}

func TestGetUnusableResetHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// rate limited but no reset header at all
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL, false)

	var out testPayload
	err := client.Get(context.Background(), "/media/item-1", nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unusable")
}

func TestRateLimitWaitUsesServerDate(t *testing.T) {
	// the local clock plays no part: reset lies 3s past the server's own date
	serverDate := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", serverDate.Format(http.TimeFormat))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", serverDate.Add(3*time.Second).Unix()))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewRateLimitClient(server.URL, false)

	res, err := client.client.R().Get("/media/item-1")
	require.NoError(t, err)

	wait, err := rateLimitWait(res, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, wait)
}
