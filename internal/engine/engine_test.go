package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	icache "github.com/batchling/batchling/internal/cache"
	"github.com/batchling/batchling/internal/obs"
	"github.com/batchling/batchling/internal/ratelimit"
	"github.com/batchling/batchling/internal/retry"
	"github.com/batchling/batchling/provider"
)

// fakeAdapter is an in-memory stand-in for a real provider adapter: it
// records every Submit call and completes batches as soon as they're
// polled once, letting tests observe the engine's triggering and
// resolution behavior without any network traffic.
type fakeAdapter struct {
	provider.Base
	mu          sync.Mutex
	submissions [][]provider.Line
	nextBatchID atomic.Int64
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		Base: provider.NewBase(
			"fake",
			[]string{"fake.example.com"},
			false,
			[]string{"completed"},
			provider.EndpointSpec{Methods: []string{"POST"}, PathTemplate: "/v1/chat/completions"},
		),
	}
}

type fakeBody struct {
	Model string `json:"model"`
}

func (a *fakeAdapter) ExtractModel(body []byte) (string, error) {
	var b fakeBody
	if err := json.Unmarshal(body, &b); err != nil {
		return "", err
	}
	return b.Model, nil
}

func (a *fakeAdapter) BuildLine(customID string, req *provider.Request) (provider.Line, error) {
	return provider.Line{CustomID: customID, Raw: req.Body}, nil
}

func (a *fakeAdapter) Submit(ctx context.Context, client *http.Client, host string, headers http.Header, lines []provider.Line) (*provider.Submission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submissions = append(a.submissions, lines)
	id := a.nextBatchID.Add(1)
	return &provider.Submission{BatchID: fmt.Sprintf("batch-%d", id), Host: host}, nil
}

func (a *fakeAdapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	return &provider.PollResult{Status: "completed", Terminal: true, Ok: true}, nil
}

func (a *fakeAdapter) FetchResults(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) ([]provider.ResultLine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var lines []provider.Line
	for _, batch := range a.submissions {
		for _, l := range batch {
			lines = append(lines, l)
		}
	}
	out := make([]provider.ResultLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, provider.ResultLine{
			CustomID:   l.CustomID,
			StatusCode: 200,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"ok":true}`),
		})
	}
	return out, nil
}

func (a *fakeAdapter) submitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.submissions)
}

func newTestEngine(t *testing.T, adapter provider.Adapter, cfg Config) *Engine {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(adapter)

	store, err := icache.NewStore(filepath.Join(t.TempDir(), "cache.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg.Registry = reg
	cfg.Cache = store
	if cfg.BatchWindow == 0 {
		cfg.BatchWindow = 50 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	cfg.CacheEnabled = true
	cfg.RateLimiter = ratelimit.New(0, 0)
	cfg.Retryer = retry.New(retry.Policy{MaxAttempts: 1}, nil)
	if cfg.Metrics == nil {
		cfg.Metrics = obs.NewCollector("engine_test", prometheus.NewRegistry())
	}

	e := New(cfg)
	t.Cleanup(func() { e.Close() })
	return e
}

func req(t *testing.T, model, body string) *provider.Request {
	t.Helper()
	u, err := url.Parse("https://fake.example.com/v1/chat/completions")
	require.NoError(t, err)
	return &provider.Request{
		Method: "POST",
		URL:    u,
		Header: http.Header{"Authorization": []string{"Bearer test-key"}},
		Body:   []byte(body),
	}
}

func TestEngine_BelowBatchSizeDrainsOnWindow(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(t, adapter, Config{BatchSize: 10, BatchWindow: 30 * time.Millisecond})

	res, err := e.Handle(context.Background(), adapter, req(t, "fake-model", `{"model":"fake-model"}`))
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, 1, adapter.submitCount())
}

func TestEngine_SizeTriggerDrainsImmediately(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(t, adapter, Config{BatchSize: 2, BatchWindow: 5 * time.Second})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := e.Handle(context.Background(), adapter, req(t, "fake-model", `{"model":"fake-model"}`))
			results[i], errs[i] = r, err
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 1, adapter.submitCount())
}

func TestEngine_MixedQueueKeysSubmitSeparately(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(t, adapter, Config{BatchSize: 10, BatchWindow: 30 * time.Millisecond})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := e.Handle(context.Background(), adapter, req(t, "model-a", `{"model":"model-a"}`))
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := e.Handle(context.Background(), adapter, req(t, "model-b", `{"model":"model-b"}`))
		require.NoError(t, err)
	}()
	wg.Wait()

	require.Equal(t, 2, adapter.submitCount())
}

func TestEngine_CacheHitOnRerunCausesNoNewSubmission(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(t, adapter, Config{BatchSize: 10, BatchWindow: 30 * time.Millisecond})

	body := `{"model":"fake-model","prompt":"hello"}`
	_, err := e.Handle(context.Background(), adapter, req(t, "fake-model", body))
	require.NoError(t, err)
	require.Equal(t, 1, adapter.submitCount())

	_, err = e.Handle(context.Background(), adapter, req(t, "fake-model", body))
	require.NoError(t, err)
	require.Equal(t, 1, adapter.submitCount())
}

func TestEngine_DryRunIssuesNoHTTPAndMarksSynthetic(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(t, adapter, Config{BatchSize: 10, BatchWindow: 30 * time.Millisecond, DryRun: true})

	res, err := e.Handle(context.Background(), adapter, req(t, "fake-model", `{"model":"fake-model"}`))
	require.NoError(t, err)
	require.Equal(t, "1", res.Header.Get("X-Batchling-Dry-Run"))
	require.Equal(t, 0, adapter.submitCount())
	require.True(t, bytes.Contains(res.Body, []byte("batchling_dry_run")))
}

// TestEngine_DryRunNeverResumesACacheHit checks that dry run stays true to
// "never calls any adapter HTTP method" even when intake finds a live
// cache row: it must report the would-be cache hit, not actually poll.
func TestEngine_DryRunNeverResumesACacheHit(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(t, adapter, Config{BatchSize: 10, BatchWindow: 30 * time.Millisecond})

	body := `{"model":"fake-model","prompt":"hello"}`
	_, err := e.Handle(context.Background(), adapter, req(t, "fake-model", body))
	require.NoError(t, err)
	require.Equal(t, 1, adapter.submitCount())

	e.dryRun = true
	res, err := e.Handle(context.Background(), adapter, req(t, "fake-model", body))
	require.NoError(t, err)
	require.Equal(t, "1", res.Header.Get("X-Batchling-Dry-Run"))
	require.Equal(t, 1, adapter.submitCount())
	require.True(t, bytes.Contains(res.Body, []byte(`"would_resume_cached_batch":true`)))
}

// TestEngine_StaleCacheRowFallsBackToFreshEnqueue checks that a resume
// failure against a cached batch invalidates the row and re-submits the
// request fresh instead of failing the caller.
func TestEngine_StaleCacheRowFallsBackToFreshEnqueue(t *testing.T) {
	adapter := &vanishingBatchAdapter{fakeAdapter: newFakeAdapter()}
	e := newTestEngine(t, adapter, Config{BatchSize: 10, BatchWindow: 30 * time.Millisecond})

	body := `{"model":"fake-model","prompt":"hello"}`
	_, err := e.Handle(context.Background(), adapter, req(t, "fake-model", body))
	require.NoError(t, err)
	require.Equal(t, 1, adapter.submitCount())

	adapter.pollErrors = true
	res, err := e.Handle(context.Background(), adapter, req(t, "fake-model", body))
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, 2, adapter.submitCount())
}

// vanishingBatchAdapter fails polls for the first batch it ever submitted
// once pollErrors is set, as if that one batch had disappeared upstream;
// a fresh batch submitted afterward polls normally.
type vanishingBatchAdapter struct {
	*fakeAdapter
	pollErrors bool
}

func (a *vanishingBatchAdapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	if a.pollErrors && sub.BatchID == "batch-1" {
		return nil, provider.NewStatusError("fake", http.StatusNotFound, "batch no longer exists")
	}
	return a.fakeAdapter.Poll(ctx, client, host, headers, sub)
}

func TestEngine_DeferredExitFiresAfterIdleOnlyPolling(t *testing.T) {
	adapter := &slowPollAdapter{fakeAdapter: newFakeAdapter()}
	e := newTestEngine(t, adapter, Config{
		BatchSize:          1,
		BatchWindow:        10 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
		Deferred:           true,
		DeferredIdleWindow: 40 * time.Millisecond,
	})

	go func() {
		_, _ = e.Handle(context.Background(), adapter, req(t, "fake-model", `{"model":"fake-model"}`))
	}()

	select {
	case <-e.DeferredExit():
	case <-time.After(2 * time.Second):
		t.Fatal("deferred exit did not fire while only a background poll was outstanding")
	}
}

// slowPollAdapter never reaches a terminal state, simulating a batch
// still in flight at a provider while the engine has nothing queued.
type slowPollAdapter struct {
	*fakeAdapter
}

func (a *slowPollAdapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	return &provider.PollResult{Status: "in_progress", Terminal: false}, nil
}

// TestEngine_CancelWhileQueuedRemovesFromQueue checks that a request whose
// context is cancelled before its queue's window fires never gets drained
// into a batch: it must not be submitted, and the queue it was sitting in
// must report zero requests left once the cancellation is handled.
func TestEngine_CancelWhileQueuedRemovesFromQueue(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(t, adapter, Config{BatchSize: 10, BatchWindow: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Handle(ctx, adapter, req(t, "fake-model", `{"model":"fake-model"}`))
	require.Error(t, err)
	var batchErr *Error
	require.ErrorAs(t, err, &batchErr)
	require.Equal(t, KindCancelled, batchErr.Kind)

	key := QueueKey{Provider: adapter.Name(), Endpoint: "/v1/chat/completions", Model: "fake-model"}
	q := e.queueFor(key)
	require.Equal(t, 0, q.len())

	// Give the window timer a chance to fire anyway; it must find nothing
	// left to drain.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, adapter.submitCount())
}

// TestEngine_MetricsRecordQueueDepthAndResolution checks that the engine
// actually drives the queue-depth gauge and resolution histogram the
// collector exposes, rather than leaving them registered but unobserved.
func TestEngine_MetricsRecordQueueDepthAndResolution(t *testing.T) {
	adapter := newFakeAdapter()
	reg := prometheus.NewRegistry()
	collector := obs.NewCollector("metrics_wiring_test", reg)
	e := newTestEngine(t, adapter, Config{BatchSize: 10, BatchWindow: 20 * time.Millisecond, Metrics: collector})

	body := `{"model":"fake-model","prompt":"hello"}`
	_, err := e.Handle(context.Background(), adapter, req(t, "fake-model", body))
	require.NoError(t, err)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var sawQueueDepth, sawResolved bool
	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "metrics_wiring_test_queue_depth":
			sawQueueDepth = true
		case "metrics_wiring_test_request_latency_seconds":
			sawResolved = true
			for _, m := range mf.GetMetric() {
				require.Greater(t, m.GetHistogram().GetSampleCount(), uint64(0))
			}
		}
	}
	require.True(t, sawQueueDepth, "queue depth gauge was never registered/observed")
	require.True(t, sawResolved, "request resolution latency was never observed")

	// A second request resolves from cache: the cache-hit resolution path
	// must also be observed, not just the fresh-enqueue path above.
	_, err = e.Handle(context.Background(), adapter, req(t, "fake-model", body))
	require.NoError(t, err)

	metricFamilies, err = reg.Gather()
	require.NoError(t, err)
	var sawHitLabel bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "metrics_wiring_test_request_latency_seconds" {
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "cache" && lp.GetValue() == "hit" {
						sawHitLabel = true
					}
				}
			}
		}
	}
	require.True(t, sawHitLabel, "cache-hit resolution was never observed")
}

// rejectingSubmitAdapter always fails Submit with the given HTTP status, to
// exercise the engine's ClassifyStatus-driven error kind selection on the
// submission path.
type rejectingSubmitAdapter struct {
	*fakeAdapter
	status      int
	submitCalls atomic.Int64
}

func (a *rejectingSubmitAdapter) Submit(ctx context.Context, client *http.Client, host string, headers http.Header, lines []provider.Line) (*provider.Submission, error) {
	a.submitCalls.Add(1)
	return nil, provider.NewStatusError("fake", a.status, "rejected")
}

// rejectingPollAdapter submits normally but always fails Poll with the
// given HTTP status, to exercise the poll-side classification path
// independently of submission.
type rejectingPollAdapter struct {
	*fakeAdapter
	status int
}

func (a *rejectingPollAdapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	return nil, provider.NewStatusError("fake", a.status, "rejected")
}

// TestEngine_SubmitAuthErrorFailsFastAsKindAuthError checks that a 401 on
// submit surfaces as a fatal, non-retryable KindAuthError rather than being
// retried and reported as an ordinary provider error.
func TestEngine_SubmitAuthErrorFailsFastAsKindAuthError(t *testing.T) {
	adapter := &rejectingSubmitAdapter{fakeAdapter: newFakeAdapter(), status: http.StatusUnauthorized}
	e := newTestEngine(t, adapter, Config{BatchSize: 1, BatchWindow: time.Second})
	e.retryer = retry.New(retry.Policy{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Retryable: provider.RetryableErr}, nil)

	_, err := e.Handle(context.Background(), adapter, req(t, "fake-model", `{"model":"fake-model"}`))
	require.Error(t, err)
	var batchErr *Error
	require.ErrorAs(t, err, &batchErr)
	require.Equal(t, KindAuthError, batchErr.Kind)
	require.False(t, batchErr.Retryable)
	require.Equal(t, int64(1), adapter.submitCalls.Load(), "an auth rejection must not be retried")
}

// TestEngine_PollRetriesIndefinitelyOnTransientFailure checks that a
// transient (retryable) poll failure doesn't fail the batch: the engine
// keeps polling across its outer loop rather than giving up once the
// bounded retryer inside a single poll attempt is exhausted.
func TestEngine_PollRetriesIndefinitelyOnTransientFailure(t *testing.T) {
	adapter := &flakyPollAdapter{fakeAdapter: newFakeAdapter()}
	adapter.failuresLeft.Store(3)
	e := newTestEngine(t, adapter, Config{BatchSize: 1, BatchWindow: time.Second, PollInterval: 5 * time.Millisecond})
	e.retryer = retry.New(retry.Policy{MaxAttempts: 1}, nil)

	res, err := e.Handle(context.Background(), adapter, req(t, "fake-model", `{"model":"fake-model"}`))
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, int32(0), adapter.failuresLeft.Load())
}

type flakyPollAdapter struct {
	*fakeAdapter
	failuresLeft atomic.Int32
}

func (a *flakyPollAdapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	if a.failuresLeft.Load() > 0 {
		a.failuresLeft.Add(-1)
		return nil, provider.NewStatusError("fake", http.StatusServiceUnavailable, "overloaded")
	}
	return a.fakeAdapter.Poll(ctx, client, host, headers, sub)
}

// TestEngine_PollNonRetryableFailureFailsBatchImmediately checks that a
// poll failure classified as non-retryable (e.g. the batch itself no
// longer exists) fails the batch right away instead of polling forever.
func TestEngine_PollNonRetryableFailureFailsBatchImmediately(t *testing.T) {
	adapter := &rejectingPollAdapter{fakeAdapter: newFakeAdapter(), status: http.StatusNotFound}
	e := newTestEngine(t, adapter, Config{BatchSize: 1, BatchWindow: time.Second, PollInterval: 5 * time.Millisecond})

	done := make(chan struct{})
	var err error
	go func() {
		_, err = e.Handle(context.Background(), adapter, req(t, "fake-model", `{"model":"fake-model"}`))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll on a non-retryable failure must not loop forever")
	}
	require.Error(t, err)
	var batchErr *Error
	require.ErrorAs(t, err, &batchErr)
	require.Equal(t, KindProviderError, batchErr.Kind)
	require.False(t, batchErr.Retryable)
}

// expiredWithPartialResultsAdapter reaches a terminal "expired" state (not
// "completed") but still has an output file holding results for whichever
// requests finished before expiry, modeling OpenAI's partial-failure shape.
type expiredWithPartialResultsAdapter struct {
	*fakeAdapter
}

func newExpiredWithPartialResultsAdapter() *expiredWithPartialResultsAdapter {
	return &expiredWithPartialResultsAdapter{fakeAdapter: &fakeAdapter{
		Base: provider.NewBase(
			"fake",
			[]string{"fake.example.com"},
			true,
			[]string{"completed", "expired"},
			provider.EndpointSpec{Methods: []string{"POST"}, PathTemplate: "/v1/chat/completions"},
		),
	}}
}

func (a *expiredWithPartialResultsAdapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	sub.OutputFileID = "file-with-partial-results"
	return &provider.PollResult{Status: "expired", Terminal: true, Ok: false}, nil
}

func (a *expiredWithPartialResultsAdapter) FetchResults(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) ([]provider.ResultLine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Only the first request of the batch finished before the batch
	// expired; any others are missing from the output file.
	var out []provider.ResultLine
	if len(a.submissions) > 0 && len(a.submissions[0]) > 0 {
		out = append(out, provider.ResultLine{
			CustomID:   a.submissions[0][0].CustomID,
			StatusCode: 200,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"ok":true}`),
		})
	}
	return out, nil
}

// TestEngine_TerminalNonCompletedStateStillFetchesPartialResults checks
// that a terminal state other than "completed" still resolves whichever
// custom-ids have results in the output file, leaving only the genuinely
// missing ones as ProviderIncomplete, instead of failing the whole batch.
func TestEngine_TerminalNonCompletedStateStillFetchesPartialResults(t *testing.T) {
	adapter := newExpiredWithPartialResultsAdapter()
	e := newTestEngine(t, adapter, Config{BatchSize: 2, BatchWindow: 5 * time.Second})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := e.Handle(context.Background(), adapter, req(t, "fake-model", fmt.Sprintf(`{"model":"fake-model","i":%d}`, i)))
			results[i], errs[i] = r, err
		}(i)
	}
	wg.Wait()

	var oks, incomplete int
	for i := range results {
		if errs[i] == nil {
			oks++
			require.Equal(t, 200, results[i].StatusCode)
			continue
		}
		var batchErr *Error
		require.ErrorAs(t, errs[i], &batchErr)
		require.Equal(t, KindProviderIncomplete, batchErr.Kind)
		incomplete++
	}
	require.Equal(t, 1, oks, "the request present in the output file must resolve")
	require.Equal(t, 1, incomplete, "the request absent from the output file must be ProviderIncomplete, not a whole-batch failure")
}

// TestEngine_CloseForceSubmitsPartialQueue checks that Close drains and
// submits whatever had accumulated in a queue rather than just failing its
// requests with ErrEngineClosed, so the work itself isn't lost even though
// the caller who enqueued it is about to see the engine shut down under it.
// Close's own eg.Wait() guarantees the force-submit has actually completed
// (including the provider call) by the time Close returns, which is the
// only thing this test can assert deterministically: the waiting caller's
// Handle() races the close signal against its own result channel and may
// observe either, depending on scheduling.
func TestEngine_CloseForceSubmitsPartialQueue(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(t, adapter, Config{BatchSize: 10, BatchWindow: time.Hour})

	go func() {
		_, _ = e.Handle(context.Background(), adapter, req(t, "fake-model", `{"model":"fake-model"}`))
	}()

	// Give Handle a moment to enqueue before the window (an hour away) would
	// ever fire on its own.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Close())

	require.Equal(t, 1, adapter.submitCount(), "the partial batch must be submitted rather than discarded on Close")
}
