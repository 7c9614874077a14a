package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/batchling/batchling/internal/cache"
	"github.com/batchling/batchling/internal/fingerprint"
	"github.com/batchling/batchling/internal/lock"
	"github.com/batchling/batchling/internal/obs"
	"github.com/batchling/batchling/internal/ratelimit"
	"github.com/batchling/batchling/internal/retry"
	"github.com/batchling/batchling/provider"
	"go.uber.org/zap"
)

// tracer resolves against whatever TracerProvider obs.InitTracing last
// installed globally, or OTel's own no-op provider when tracing was never
// enabled; the engine never needs to know which.
var tracer = otel.Tracer("github.com/batchling/batchling/internal/engine")

// Engine groups pending requests into batches, submits them, and resolves
// each one with its eventual result.
type Engine struct {
	registry *provider.Registry
	cache    cache.Store
	http     *http.Client

	batchSize          int
	batchWindow        time.Duration
	pollInterval       time.Duration
	dryRun             bool
	cacheEnabled       bool
	cacheRetention     time.Duration
	deferred           bool
	deferredIdleWindow time.Duration

	locker  lock.Locker
	limiter *ratelimit.Limiter
	retryer *retry.Retryer
	metrics *obs.Collector
	logger  *zap.Logger

	sf singleflight.Group
	eg errgroup.Group // supervises in-flight submit and resume-poll goroutines

	mu     sync.Mutex
	queues map[QueueKey]*queue

	activePolls  atomic.Int64
	idleSince    atomic.Int64 // unix nano; 0 means "not idle"
	closed       atomic.Bool
	closeCh      chan struct{}
	deferredCh   chan struct{}
	deferredOnce sync.Once
	wg           sync.WaitGroup
}

// New builds an Engine from cfg, filling in no-op defaults for optional
// collaborators left unset.
func New(cfg Config) *Engine {
	e := &Engine{
		registry:           cfg.Registry,
		cache:              cfg.Cache,
		http:               cfg.HTTPClient,
		batchSize:          cfg.BatchSize,
		batchWindow:        cfg.BatchWindow,
		pollInterval:       cfg.PollInterval,
		dryRun:             cfg.DryRun,
		cacheEnabled:       cfg.CacheEnabled,
		cacheRetention:     cfg.CacheRetention,
		deferred:           cfg.Deferred,
		deferredIdleWindow: cfg.DeferredIdleWindow,
		locker:             cfg.Locker,
		limiter:            cfg.RateLimiter,
		retryer:            cfg.Retryer,
		metrics:            cfg.Metrics,
		logger:             cfg.Logger,
		queues:             make(map[QueueKey]*queue),
		closeCh:            make(chan struct{}),
		deferredCh:         make(chan struct{}),
	}
	if e.http == nil {
		e.http = http.DefaultClient
	}
	if e.locker == nil {
		e.locker = lock.Noop{}
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New(0, 0)
	}
	if e.retryer == nil {
		policy := retry.DefaultPolicy()
		policy.Retryable = provider.RetryableErr
		e.retryer = retry.New(policy, e.logger)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.batchSize <= 0 {
		e.batchSize = 1
	}

	if e.deferred {
		e.wg.Add(1)
		go e.monitorIdle()
	}
	return e
}

// Handle resolves req against adapter, either by joining an existing
// queue/poll or by serving a cache hit directly.
func (e *Engine) Handle(ctx context.Context, adapter provider.Adapter, req *provider.Request) (*Result, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	e.idleSince.Store(0)
	start := time.Now()

	model, err := e.extractModel(adapter, req)
	if err != nil {
		return nil, newError(KindInvalidRequest, adapter.Name(), err.Error(), false, err)
	}
	host := req.URL.Hostname()

	fp, err := fingerprint.Compute(fingerprint.Material{
		Provider: adapter.Name(),
		Endpoint: req.URL.Path,
		Model:    model,
		Body:     req.Body,
	})
	if err != nil {
		return nil, newError(KindInvalidRequest, adapter.Name(), err.Error(), false, err)
	}

	var cacheHit bool
	var cacheRow *cache.Row
	if e.cacheEnabled && e.cache != nil {
		row, found, err := e.cache.Get(ctx, fp, host, e.cacheRetention)
		if err != nil {
			e.logger.Warn("cache lookup failed, falling back to fresh submission", zap.Error(err))
		} else if found {
			cacheHit, cacheRow = true, row
		}
	}

	// Dry run never calls an adapter's HTTP methods, including to resume a
	// cache hit: it only reports what would have happened.
	if e.dryRun {
		return e.dryRunResult(adapter, model, cacheHit), nil
	}

	if cacheHit {
		res, err := e.resumeFromCache(ctx, adapter, host, cacheRow.BatchID, cacheRow.CustomID, req.Header)
		if err == nil {
			if e.metrics != nil {
				e.metrics.RequestResolved(adapter.Name(), true, time.Since(start))
			}
			return res, nil
		}
		if !fallbackOnResumeError(err) {
			return nil, err
		}
		// The cached batch vanished upstream or the adapter could no longer
		// reach it: don't fail the caller just because the cache was stale,
		// invalidate the row and fall through to a fresh enqueue below.
		e.logger.Warn("resuming cached batch failed, invalidating row and enqueueing fresh",
			zap.String("provider", adapter.Name()), zap.Error(err))
		if e.cache != nil {
			if delErr := e.cache.DeleteByFingerprints(ctx, fp); delErr != nil {
				e.logger.Warn("cache invalidation failed", zap.Error(delErr))
			}
		}
	}

	key := QueueKey{Provider: adapter.Name(), Endpoint: req.URL.Path, Model: model}
	customID := uuid.NewString()
	line, err := adapter.BuildLine(customID, req)
	if err != nil {
		return nil, newError(KindInvalidRequest, adapter.Name(), err.Error(), false, err)
	}

	pr := &pendingRequest{
		fingerprint: fp,
		host:        host,
		customID:    customID,
		req:         req,
		resultCh:    make(chan Result, 1),
	}
	q := e.queueFor(key)
	q.enqueue(pr, line)
	if e.metrics != nil {
		e.metrics.RequestQueued(key.Provider, key.Endpoint, key.Model)
	}

	select {
	case res := <-pr.resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		if e.metrics != nil {
			e.metrics.RequestResolved(adapter.Name(), false, time.Since(start))
		}
		return &res, nil
	case <-ctx.Done():
		// Still waiting on a trigger: pull pr back out so it is never
		// drained, submitted to the provider, or cached on its behalf.
		// If it's already gone (the queue drained it right as ctx fired),
		// there's nothing left to undo.
		if q.remove(pr) {
			q.setDepthMetric(q.len())
		}
		return nil, newError(KindCancelled, adapter.Name(), "context cancelled while queued", false, ctx.Err())
	case <-e.closeCh:
		return nil, ErrEngineClosed
	}
}

// fallbackOnResumeError reports whether a resumeFromCache failure should be
// treated as a stale cache row (fall back to a fresh enqueue) rather than
// propagated to the caller. Cancellation and engine shutdown are the
// caller's or the engine's own decision, not a sign the batch is gone; an
// auth failure isn't a sign the batch is gone either, but re-enqueuing would
// only submit fresh requests with the same rejected credential.
func fallbackOnResumeError(err error) bool {
	ee, ok := err.(*Error)
	if !ok {
		return true
	}
	return ee.Kind != KindCancelled && ee.Kind != KindEngineClosed && ee.Kind != KindAuthError
}

// pathModelExtractor is implemented by adapters (Gemini) that carry the
// model in the URL path instead of the request body.
type pathModelExtractor interface {
	ModelFromRequest(u *url.URL) (string, bool)
}

func (e *Engine) extractModel(adapter provider.Adapter, req *provider.Request) (string, error) {
	if pm, ok := adapter.(pathModelExtractor); ok {
		model, ok := pm.ModelFromRequest(req.URL)
		if !ok {
			return "", fmt.Errorf("%s: could not extract model from %s", adapter.Name(), req.URL.Path)
		}
		return model, nil
	}
	return adapter.ExtractModel(req.Body)
}

func (e *Engine) queueFor(key QueueKey) *queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[key]
	if !ok {
		q = newQueue(key, e)
		e.queues[key] = q
	}
	return q
}

func (e *Engine) totalQueued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, q := range e.queues {
		n += q.len()
	}
	return n
}

// Close stops accepting new work, force-submits whatever had accumulated
// in each queue as a final partial batch (a caller that enqueued work from
// a goroutine under the scope and then exited doesn't lose it), and waits
// for every in-flight submit or resume-poll goroutine to observe the close
// signal and return before returning itself. Their cache rows still let a
// future Engine resume whatever batch was left polling.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.closeCh)
	e.mu.Lock()
	for _, q := range e.queues {
		q.stopTimer()
		batch, lines := q.drainAll()
		q.setDepthMetric(0)
		e.submit(q.key, batch, lines, "close")
	}
	e.mu.Unlock()
	e.wg.Wait()
	if err := e.eg.Wait(); err != nil {
		e.logger.Warn("in-flight submit or resume goroutine returned an error during close", zap.Error(err))
	}
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// DeferredExit returns a channel that closes once the engine has seen
// nothing but idle polling (every queue empty, at least one batch still
// being polled) for longer than its configured deferred-idle window.
func (e *Engine) DeferredExit() <-chan struct{} {
	return e.deferredCh
}

func (e *Engine) monitorIdle() {
	defer e.wg.Done()
	tick := e.deferredIdleWindow / 10
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if e.totalQueued() > 0 || e.activePolls.Load() == 0 {
				e.idleSince.Store(0)
				continue
			}
			now := time.Now().UnixNano()
			since := e.idleSince.Load()
			if since == 0 {
				e.idleSince.Store(now)
				continue
			}
			if time.Duration(now-since) >= e.deferredIdleWindow {
				e.deferredOnce.Do(func() {
					close(e.deferredCh)
					if e.metrics != nil {
						e.metrics.DeferredExit()
					}
				})
			}
		case <-e.closeCh:
			return
		}
	}
}

func (e *Engine) dryRunResult(adapter provider.Adapter, model string, cacheHit bool) *Result {
	body := []byte(fmt.Sprintf(
		`{"batchling_dry_run":true,"provider":%q,"model":%q,"would_resume_cached_batch":%t}`,
		adapter.Name(), model, cacheHit,
	))
	return &Result{
		StatusCode: 200,
		Header:     http.Header{"X-Batchling-Dry-Run": []string{"1"}, "Content-Type": []string{"application/json"}},
		Body:       body,
	}
}
