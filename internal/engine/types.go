// Package engine implements the batching engine: it groups pending
// requests by (provider, endpoint, model), drains each group on a size
// or window trigger, submits the resulting batch to the provider adapter,
// polls it to completion, and resolves each pending request with its
// synthetic HTTP response.
package engine

import (
	"net/http"
	"time"

	"github.com/batchling/batchling/internal/cache"
	"github.com/batchling/batchling/internal/lock"
	"github.com/batchling/batchling/internal/obs"
	"github.com/batchling/batchling/internal/ratelimit"
	"github.com/batchling/batchling/internal/retry"
	"github.com/batchling/batchling/provider"
	"go.uber.org/zap"
)

// QueueKey groups requests that can share one batch submission.
type QueueKey struct {
	Provider string
	Endpoint string
	Model    string
}

// Result is what a pending request resolves to: either a synthetic HTTP
// response or a terminal error.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// pendingRequest is one request waiting inside a queue for its batch to
// be drained.
type pendingRequest struct {
	fingerprint string
	host        string
	customID    string
	req         *provider.Request
	resultCh    chan Result
}

// Config wires the engine to its collaborators. Registry is required.
// A nil HTTPClient, Locker, RateLimiter, Retryer, or Logger is replaced by
// http.DefaultClient, a no-op lock, an unlimited limiter, a retryer on
// retry.DefaultPolicy, or a no-op logger; a nil Metrics or Cache leaves
// metrics or caching off. A BatchSize <= 0 is treated as 1.
type Config struct {
	Registry           *provider.Registry
	Cache              cache.Store
	HTTPClient         *http.Client
	BatchSize          int
	BatchWindow        time.Duration
	PollInterval       time.Duration
	DryRun             bool
	CacheEnabled       bool
	CacheRetention     time.Duration
	Deferred           bool
	DeferredIdleWindow time.Duration
	Locker             lock.Locker
	RateLimiter        *ratelimit.Limiter
	Retryer            *retry.Retryer
	Metrics            *obs.Collector
	Logger             *zap.Logger
}
