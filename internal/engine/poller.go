package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/batchling/batchling/provider"
)

// resolveBatch polls sub to completion and resolves every waiter in
// byCustomID with its own result line. It runs inline in the caller's
// goroutine (already backgrounded by submit), so a slow poll never blocks
// the engine's accept loop.
func (e *Engine) resolveBatch(ctx context.Context, providerName string, adapter provider.Adapter, host, batchID string, headers http.Header, byCustomID map[string]*pendingRequest) {
	ctx, span := tracer.Start(ctx, "batchling.resolve_batch", oteltrace.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("batch_id", batchID),
		attribute.Int("batch_size", len(byCustomID)),
	))
	defer span.End()

	outcome, err := e.pollAndFetch(ctx, providerName, adapter, host, batchID, headers)
	if err != nil {
		span.RecordError(err)
		e.failAll(valuesOf(byCustomID), err)
		return
	}
	for customID, pr := range byCustomID {
		rl, ok := outcome[customID]
		if !ok {
			pr.resultCh <- Result{Err: newError(KindProviderIncomplete, providerName, fmt.Sprintf("custom_id %q missing from batch results", customID), false, nil)}
			continue
		}
		if rl.Err != nil {
			pr.resultCh <- Result{Err: newError(KindProviderError, providerName, rl.Err.Error(), false, rl.Err)}
			continue
		}
		pr.resultCh <- Result{StatusCode: rl.StatusCode, Header: rl.Header, Body: rl.Body}
	}
}

// resumeFromCache joins (or starts) the poll for a batch a prior
// submission already recorded in the cache, scoped to the single
// custom_id this caller's request landed on.
func (e *Engine) resumeFromCache(ctx context.Context, adapter provider.Adapter, host, batchID, customID string, headers http.Header) (*Result, error) {
	type out struct {
		outcome map[string]provider.ResultLine
		err     error
	}
	ch := make(chan out, 1)
	e.eg.Go(func() error {
		o, err := e.pollAndFetch(ctx, adapter.Name(), adapter, host, batchID, headers)
		ch <- out{o, err}
		return err
	})

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		rl, ok := r.outcome[customID]
		if !ok {
			return nil, newError(KindProviderIncomplete, adapter.Name(), fmt.Sprintf("custom_id %q missing from resumed batch results", customID), false, nil)
		}
		if rl.Err != nil {
			return nil, newError(KindProviderError, adapter.Name(), rl.Err.Error(), false, rl.Err)
		}
		return &Result{StatusCode: rl.StatusCode, Header: rl.Header, Body: rl.Body}, nil
	case <-ctx.Done():
		return nil, newError(KindCancelled, adapter.Name(), "context cancelled while resuming batch", false, ctx.Err())
	case <-e.closeCh:
		return nil, ErrEngineClosed
	}
}

// pollAndFetch collapses concurrent callers for the same
// (provider, host, batch_id) into a single poll-until-terminal sequence
// via singleflight, so goroutines in this process racing to resume the
// same batch share one outcome. The poll itself runs
// detached from ctx's cancellation (one joiner's caller hanging up must
// not kill the poll for every other joiner sharing it), keeping only
// ctx's span for trace parenting.
func (e *Engine) pollAndFetch(ctx context.Context, providerName string, adapter provider.Adapter, host, batchID string, headers http.Header) (map[string]provider.ResultLine, error) {
	key := providerName + "|" + host + "|" + batchID
	detached := context.WithoutCancel(ctx)
	v, err, _ := e.sf.Do(key, func() (any, error) {
		e.activePolls.Add(1)
		defer e.activePolls.Add(-1)
		return e.pollUntilTerminal(detached, adapter, host, batchID, headers)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]provider.ResultLine), nil
}

func (e *Engine) pollUntilTerminal(ctx context.Context, adapter provider.Adapter, host, batchID string, headers http.Header) (map[string]provider.ResultLine, error) {
	sub := &provider.Submission{BatchID: batchID, Host: host}
	lockKey := host + ":" + batchID

	pollStart := time.Now()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		acquired, lockErr := e.locker.TryLock(ctx, lockKey, e.pollInterval)
		if lockErr != nil {
			e.logger.Warn("poll lock acquisition failed, polling locally", zap.Error(lockErr))
			acquired = true
		}
		if acquired {
			result, err := e.pollOnce(ctx, adapter, host, headers, sub)
			_ = e.locker.Unlock(ctx, lockKey)
			if err != nil {
				classified := classifyAdapterErr(adapter.Name(), err)
				if classified.Kind == KindAuthError || !classified.Retryable {
					return nil, classified
				}
				// A transient poll failure doesn't fail the batch: the
				// batch may still be resolving at the provider for hours,
				// so keep polling indefinitely rather than giving up after
				// the retryer's bounded attempts.
				e.logger.Warn("poll attempt failed, will retry", zap.String("provider", adapter.Name()), zap.Error(err))
				select {
				case <-ticker.C:
					continue
				case <-e.closeCh:
					return nil, ErrEngineClosed
				}
			}
			if result.Terminal {
				if e.metrics != nil {
					e.metrics.PollCompleted(adapter.Name(), time.Since(pollStart))
				}
				// Fetch on every terminal state, not just "completed": a
				// state like OpenAI's "expired" still has per-request
				// results in its output/error files for whichever requests
				// finished before expiry, and dropping the whole batch
				// would discard them. Only a batch with nowhere to fetch
				// from at all (no results location the adapter ever
				// recorded) has genuinely nothing to resolve.
				fetchCtx, span := tracer.Start(ctx, "batchling.fetch", oteltrace.WithAttributes(
					attribute.String("provider", adapter.Name()),
					attribute.String("batch_id", batchID),
				))
				lines, ferr := adapter.FetchResults(fetchCtx, e.http, host, headers, sub)
				if ferr != nil {
					span.RecordError(ferr)
				}
				span.End()
				if ferr != nil {
					if sub.OutputFileID == "" && sub.ErrorFileID == "" {
						return nil, newError(KindProviderIncomplete, adapter.Name(),
							fmt.Sprintf("batch reached terminal state %q with no results available: %v", result.Status, ferr), false, ferr)
					}
					classified := classifyAdapterErr(adapter.Name(), ferr)
					if classified.Kind == KindAuthError || !classified.Retryable {
						return nil, classified
					}
					// A results location was recorded but the download
					// itself failed transiently; retry indefinitely rather
					// than discarding an already-terminal batch's results
					// over a blip, same as a transient poll failure.
					e.logger.Warn("fetch results failed, will retry", zap.String("provider", adapter.Name()), zap.Error(ferr))
					select {
					case <-ticker.C:
						continue
					case <-e.closeCh:
						return nil, ErrEngineClosed
					}
				}
				out := make(map[string]provider.ResultLine, len(lines))
				for _, l := range lines {
					out[l.CustomID] = l
				}
				return out, nil
			}
		}

		select {
		case <-ticker.C:
		case <-e.closeCh:
			return nil, ErrEngineClosed
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, adapter provider.Adapter, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	var result *provider.PollResult
	err := e.retryer.Do(ctx, func(ctx context.Context) error {
		if err := e.limiter.Wait(ctx, host); err != nil {
			return err
		}
		spanCtx, span := tracer.Start(ctx, "batchling.poll", oteltrace.WithAttributes(
			attribute.String("provider", adapter.Name()),
			attribute.String("batch_id", sub.BatchID),
		))
		r, err := adapter.Poll(spanCtx, e.http, host, headers, sub)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func valuesOf(m map[string]*pendingRequest) []*pendingRequest {
	out := make([]*pendingRequest, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
