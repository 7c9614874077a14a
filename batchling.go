package batchling

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/batchling/batchling/internal/cache"
	"github.com/batchling/batchling/internal/engine"
	"github.com/batchling/batchling/internal/lock"
	"github.com/batchling/batchling/internal/obs"
	"github.com/batchling/batchling/internal/ratelimit"
	"github.com/batchling/batchling/internal/retry"
	"github.com/batchling/batchling/provider"
	"github.com/batchling/batchling/provider/anthropic"
	"github.com/batchling/batchling/provider/gemini"
	"github.com/batchling/batchling/provider/openai"
)

// Scope is a running batching engine bound to a provider registry. It is
// the handle [New] returns: activate it against a context to start
// batching the requests issued with that context, and Close it (directly,
// or via [Scope.Deactivate]) to drain whatever is still queued and release
// its cache.
type Scope struct {
	engine          *engine.Engine
	registry        *provider.Registry
	metrics         *obs.Collector
	metricsRegistry *prometheus.Registry
	tracing         *obs.Providers
	logger          *zap.Logger
	closed          atomic.Bool
}

// New builds a Scope from opts. It does not install anything into
// http.DefaultTransport or begin accepting requests; call [Scope.Activate]
// for that.
func New(opts ...Option) (*Scope, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := cfg.registry
	if registry == nil {
		registry = defaultRegistry()
	}
	if cfg.configFile != "" {
		if err := loadHostnameOverrides(cfg.configFile, registry); err != nil {
			return nil, err
		}
	}

	var store cache.Store
	if cfg.cacheEnabled {
		path, err := cache.ResolvePath(cfg.cachePath)
		if err != nil {
			return nil, fmt.Errorf("batchling: resolving cache path: %w", err)
		}
		store, err = cache.NewStore(path, logger)
		if err != nil {
			return nil, fmt.Errorf("batchling: opening cache store: %w", err)
		}
	}

	locker, err := buildLocker(cfg.distributedLockRedisAddr)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	// Each Scope gets its own Prometheus registry rather than the global
	// DefaultRegisterer: nested scopes (§4.5's inner-engine-per-inner-scope
	// support) register the same fixed instrument names, which would panic
	// on the second registration if they shared one registry.
	metricsRegistry := prometheus.NewRegistry()
	metrics := obs.NewCollector("batchling", metricsRegistry)

	tracing, err := obs.InitTracing(cfg.tracing, logger)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("batchling: initializing tracing: %w", err)
	}

	eng := engine.New(engine.Config{
		Registry:           registry,
		Cache:              store,
		HTTPClient:         providerHTTPClient(),
		BatchSize:          cfg.batchSize,
		BatchWindow:        cfg.batchWindow,
		PollInterval:       cfg.batchPollInterval,
		DryRun:             cfg.dryRun,
		CacheEnabled:       cfg.cacheEnabled,
		CacheRetention:     cfg.cacheRetention,
		Deferred:           cfg.deferred,
		DeferredIdleWindow: cfg.deferredIdleWindow,
		Locker:             locker,
		RateLimiter:        ratelimit.New(0, 0),
		Retryer:            retry.New(providerRetryPolicy(), logger),
		Metrics:            metrics,
		Logger:             logger,
	})

	s := &Scope{
		engine:          eng,
		registry:        registry,
		metrics:         metrics,
		metricsRegistry: metricsRegistry,
		tracing:         tracing,
		logger:          logger,
	}
	if cfg.deferred {
		go s.watchDeferredExit()
	}
	return s, nil
}

// MetricsGatherer returns this scope's Prometheus registry, for a host
// application to merge into its own /metrics endpoint (e.g. via
// prometheus.Gatherers{existing, scope.MetricsGatherer()} or a dedicated
// promhttp.HandlerFor call). Each Scope carries its own registry rather
// than registering on prometheus.DefaultRegisterer, since a nested scope
// (§4.5) would otherwise panic trying to register the same instrument
// names twice.
func (s *Scope) MetricsGatherer() prometheus.Gatherer {
	return s.metricsRegistry
}

// providerHTTPClient builds the client the engine uses for its own
// submit/poll/fetch calls against a provider's batch API. These connections
// are long-lived (a poll loop hits the same host repeatedly for minutes or
// hours), so HTTP/2 multiplexing is worth configuring explicitly rather
// than trusting protocol negotiation alone.
func providerHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	_ = http2.ConfigureTransport(transport)
	return &http.Client{Transport: transport}
}

// providerRetryPolicy is the default backoff policy for the engine's own
// submit/poll calls: it defers to provider.RetryableErr so a rejected
// credential fails fast instead of burning through every retry attempt.
func providerRetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.Retryable = provider.RetryableErr
	return policy
}

func defaultRegistry() *provider.Registry {
	r := provider.NewRegistry()
	r.Register(openai.New())
	r.Register(anthropic.New())
	r.Register(gemini.New())
	return r
}

func buildLocker(redisAddr string) (lock.Locker, error) {
	if redisAddr == "" {
		return lock.Noop{}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return lock.NewRedisLocker(client, uuid.NewString()), nil
}

// watchDeferredExit blocks until the engine's deferred-exit channel closes
// and then returns; it does nothing else. [Scope.DeferredExit] hands
// callers the engine's channel directly.
func (s *Scope) watchDeferredExit() {
	<-s.engine.DeferredExit()
}

// DeferredExit returns a channel that closes once the scope has seen
// nothing but idle polling for longer than its configured deferred-idle
// window (see [WithDeferred]). A caller running as a short-lived process
// (a Lambda, a cron job) can select on this to know it is safe to exit
// even though a batch may still be resolving at the provider; a later
// invocation of the same workload resumes via the cache.
func (s *Scope) DeferredExit() <-chan struct{} {
	return s.engine.DeferredExit()
}

// Registry returns the provider adapter registry this scope resolves
// requests against.
func (s *Scope) Registry() *provider.Registry {
	return s.registry
}

// Close stops accepting new work, submits whatever is still queued as a
// final batch, releases callers still waiting on a result with
// [ErrEngineClosed], and closes the cache store.
// Already-submitted batches are abandoned locally; their cache rows let a
// future Scope resume them. Close is idempotent.
func (s *Scope) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := translateErr(s.engine.Close())
	if shutdownErr := s.tracing.Shutdown(context.Background()); shutdownErr != nil {
		s.logger.Warn("tracing shutdown failed", zap.Error(shutdownErr))
	}
	return err
}

// translateErr maps an internal/engine.Error onto the public batchling.Error
// surface. engine cannot import this package (batchling imports engine),
// so the two Kind enumerations are kept in lockstep here, at the one place
// that needs to cross the boundary.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	ee, ok := err.(*engine.Error)
	if !ok {
		return err
	}
	return newError(translateKind(ee.Kind), ee.Provider, ee.Message, ee.Retryable, ee.Err)
}

func translateKind(k engine.Kind) Kind {
	switch k {
	case engine.KindInvalidRequest:
		return KindInvalidRequest
	case engine.KindAuthError:
		return KindAuthError
	case engine.KindProviderError:
		return KindProviderError
	case engine.KindProviderIncomplete:
		return KindProviderIncomplete
	case engine.KindCancelled:
		return KindCancelled
	case engine.KindEngineClosed:
		return KindEngineClosed
	default:
		return KindProviderError
	}
}
