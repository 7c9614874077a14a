package batchling

import (
	"time"

	"github.com/batchling/batchling/internal/obs"
	"github.com/batchling/batchling/provider"
	"go.uber.org/zap"
)

// config holds a Scope's tunables, defaulted to the same batch_size,
// batch_window, and poll_interval values callers expect, widened with the
// ambient knobs (logger, cache backend, registry) a Go embedding needs at
// construction time.
type config struct {
	batchSize                int
	batchWindow              time.Duration
	batchPollInterval        time.Duration
	dryRun                   bool
	cacheEnabled             bool
	cachePath                string
	deferred                 bool
	deferredIdleWindow       time.Duration
	logger                   *zap.Logger
	registry                 *provider.Registry
	cacheRetention           time.Duration
	distributedLockRedisAddr string
	configFile               string
	tracing                  obs.TracingConfig
}

func defaultConfig() config {
	return config{
		batchSize:          50,
		batchWindow:        2 * time.Second,
		batchPollInterval:  10 * time.Second,
		dryRun:             false,
		cacheEnabled:       true,
		deferred:           false,
		deferredIdleWindow: 60 * time.Second,
		cacheRetention:     30 * 24 * time.Hour,
	}
}

// Option configures a Scope at construction time.
type Option func(*config)

// WithBatchSize overrides the number of requests that trigger an immediate
// drain for any one queue. Default 50.
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// WithBatchWindow overrides how long a queue waits, after its first
// request, before draining on the window trigger. Default 2s.
func WithBatchWindow(d time.Duration) Option {
	return func(c *config) { c.batchWindow = d }
}

// WithPollInterval overrides how often an active or resumed batch is
// polled for a terminal state. Default 10s.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.batchPollInterval = d }
}

// WithDryRun makes the engine resolve every request with a synthetic
// response instead of ever calling a provider.
func WithDryRun(dryRun bool) Option {
	return func(c *config) { c.dryRun = dryRun }
}

// WithCache toggles the fingerprint cache. Default true.
func WithCache(enabled bool) Option {
	return func(c *config) { c.cacheEnabled = enabled }
}

// WithCachePath overrides the cache database location. If unset,
// BATCHLING_CACHE_PATH and then ~/.cache/batchling/cache.sqlite3 are used.
func WithCachePath(path string) Option {
	return func(c *config) { c.cachePath = path }
}

// WithCacheDSN points the cache store at a shared Postgres or MySQL
// database instead of a local sqlite file: a postgres:// or postgresql://
// DSN selects Postgres, and a MySQL DSN containing "@tcp(" selects MySQL.
// Any other string, including a mysql:// URL, is opened as a sqlite path.
func WithCacheDSN(dsn string) Option {
	return func(c *config) { c.cachePath = dsn }
}

// WithCacheRetention overrides how long cache rows stay eligible as cache
// hits; older rows are skipped on lookup and deleted by the sweep that runs
// after each cache write. Default 30 days.
func WithCacheRetention(d time.Duration) Option {
	return func(c *config) { c.cacheRetention = d }
}

// WithDeferred enables deferred-exit mode: once the engine has seen
// nothing but idle polling for longer than the deferred-idle window, the
// channel returned by [Scope.DeferredExit] closes. No call into the scope
// returns ErrDeferredExit.
func WithDeferred(deferred bool) Option {
	return func(c *config) { c.deferred = deferred }
}

// WithDeferredIdleWindow overrides the idle window used by deferred-exit
// mode. Default 60s.
func WithDeferredIdleWindow(d time.Duration) Option {
	return func(c *config) { c.deferredIdleWindow = d }
}

// WithLogger attaches a *zap.Logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithRegistry overrides the provider adapter registry. Defaults to a
// registry carrying the bundled OpenAI, Anthropic, and Gemini adapters.
func WithRegistry(r *provider.Registry) Option {
	return func(c *config) { c.registry = r }
}

// WithDistributedLock points resumed-batch poller dedup at a shared Redis
// instance (addr is host:port) instead of staying single-process.
func WithDistributedLock(addr string) Option {
	return func(c *config) { c.distributedLockRedisAddr = addr }
}

// WithConfigFile loads a YAML file of per-adapter hostname overrides at
// construction time, for self-hosted gateways or cloud-specific endpoint
// swaps (an Azure OpenAI deployment, a private proxy) that serve a
// provider's batchable API shape under a host its adapter wasn't built
// with:
//
//	adapters:
//	  openai:
//	    hostnames: ["my-azure-gateway.example.com"]
func WithConfigFile(path string) Option {
	return func(c *config) { c.configFile = path }
}

// WithTracing exports OTel spans and metrics over OTLP/gRPC to endpoint
// (host:port), one span per submit/poll/fetch call and per resolved
// batch. sampleRate is the fraction of traces kept (0 defaults to 1.0,
// sample everything). Unset, tracing stays disabled and every span the
// engine starts resolves against OTel's no-op global provider.
func WithTracing(endpoint string, sampleRate float64) Option {
	return func(c *config) {
		c.tracing = obs.TracingConfig{OTLPEndpoint: endpoint, SampleRate: sampleRate}
	}
}
