package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/batchling/batchling/internal/cache"
	"github.com/batchling/batchling/provider"
)

// queue holds pending requests for one QueueKey, draining on whichever of
// the size or window triggers fires first.
type queue struct {
	key    QueueKey
	engine *Engine

	mu      sync.Mutex
	pending []*pendingRequest
	lines   []provider.Line
	timer   *time.Timer
}

func newQueue(key QueueKey, e *Engine) *queue {
	return &queue{key: key, engine: e}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// enqueue appends pr+line and drains immediately if the batch size
// trigger is reached, otherwise arms (or leaves armed) the window timer.
func (q *queue) enqueue(pr *pendingRequest, line provider.Line) {
	q.mu.Lock()
	q.pending = append(q.pending, pr)
	q.lines = append(q.lines, line)
	size := len(q.pending)

	if size >= q.engine.batchSize {
		q.stopTimerLocked()
		batch, lines := q.drainAllLocked()
		q.mu.Unlock()
		q.setDepthMetric(0)
		q.engine.submit(q.key, batch, lines, "size")
		return
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(q.engine.batchWindow, q.onWindowFire)
	}
	q.mu.Unlock()
	q.setDepthMetric(size)
}

func (q *queue) onWindowFire() {
	q.mu.Lock()
	q.timer = nil
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch, lines := q.drainAllLocked()
	q.mu.Unlock()
	q.setDepthMetric(0)
	q.engine.submit(q.key, batch, lines, "window")
}

// remove pulls pr out of the queue if it's still waiting on a trigger, for
// a caller whose context was cancelled before the queue drained. Reports
// false if pr was already drained into a submitted batch, in which case
// there is nothing left to undo.
func (q *queue) remove(pr *pendingRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == pr {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.lines = append(q.lines[:i], q.lines[i+1:]...)
			return true
		}
	}
	return false
}

func (q *queue) setDepthMetric(depth int) {
	if q.engine.metrics != nil {
		q.engine.metrics.SetQueueDepth(q.key.Provider, q.key.Endpoint, q.key.Model, depth)
	}
}

func (q *queue) stopTimer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopTimerLocked()
}

func (q *queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// drainAll empties the queue and returns everything it held, used on engine
// Close to force-submit whatever had accumulated as a final partial batch.
func (q *queue) drainAll() ([]*pendingRequest, []provider.Line) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainAllLocked()
}

func (q *queue) drainAllLocked() ([]*pendingRequest, []provider.Line) {
	batch, lines := q.pending, q.lines
	q.pending, q.lines = nil, nil
	return batch, lines
}

// submit runs the submit-then-poll sequence for a drained batch and
// distributes the outcome to every pending request in it. Errors here
// fail the whole batch together, matching how a provider batch job fails
// or succeeds as one unit. It is supervised by the engine's errgroup so
// Close observes it to completion before returning.
func (e *Engine) submit(key QueueKey, batch []*pendingRequest, lines []provider.Line, trigger string) {
	if len(batch) == 0 {
		return
	}
	e.eg.Go(func() error {
		adapter, ok := e.registry.ByName(key.Provider)
		if !ok {
			err := newError(KindInvalidRequest, key.Provider, "no adapter registered for provider", false, nil)
			e.failAll(batch, err)
			return err
		}
		host := batch[0].host
		headers := provider.AuthHeaders(batch[0].req.Header)

		ctx := context.Background()
		var sub *provider.Submission
		err := e.retryer.Do(ctx, func(ctx context.Context) error {
			if err := e.limiter.Wait(ctx, host); err != nil {
				return err
			}
			spanCtx, span := tracer.Start(ctx, "batchling.submit", oteltrace.WithAttributes(
				attribute.String("provider", key.Provider),
				attribute.Int("batch_size", len(lines)),
			))
			s, err := adapter.Submit(spanCtx, e.http, host, headers, lines)
			if err != nil {
				span.RecordError(err)
			}
			span.End()
			if err != nil {
				return err
			}
			sub = s
			return nil
		})
		if err != nil {
			wrapped := classifyAdapterErr(key.Provider, err)
			e.failAll(batch, wrapped)
			return wrapped
		}

		if e.metrics != nil {
			e.metrics.BatchSubmitted(key.Provider, trigger, len(batch))
		}

		if e.cacheEnabled && e.cache != nil {
			rows := make([]cache.Row, 0, len(batch))
			for _, pr := range batch {
				rows = append(rows, cache.NewRow(pr.fingerprint, key.Provider, host, sub.BatchID, pr.customID))
			}
			if err := e.cache.UpsertMany(ctx, rows, e.cacheRetention); err != nil {
				e.logger.Warn("cache upsert failed after submission", zap.Error(err))
			}
		}

		byCustomID := make(map[string]*pendingRequest, len(batch))
		for _, pr := range batch {
			byCustomID[pr.customID] = pr
		}
		e.resolveBatch(ctx, key.Provider, adapter, host, sub.BatchID, headers, byCustomID)
		return nil
	})
}

func (e *Engine) failAll(batch []*pendingRequest, err error) {
	for _, pr := range batch {
		select {
		case pr.resultCh <- Result{Err: err}:
		default:
		}
	}
}
