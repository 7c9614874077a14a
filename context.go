package batchling

import (
	"context"
	"net/http"
	"sync"

	"github.com/batchling/batchling/internal/hook"
)

// installOnce guards installing RoundTripper into http.DefaultTransport:
// the hook is process-wide (http.DefaultTransport is a package-level var
// any number of Scopes might share), so it must only be wrapped once no
// matter how many Scopes get activated.
var (
	installOnce sync.Once
)

func installHook() {
	installOnce.Do(func() {
		http.DefaultTransport = &hook.RoundTripper{Base: http.DefaultTransport}
	})
}

// Activate installs the batching hook into http.DefaultTransport (once,
// process-wide) and returns a context that any request issued with it - or
// a context derived from it - will batch through s. Callers that build
// their own *http.Client rather than relying on http.DefaultClient must set
// its Transport to an *hook.RoundTripper themselves (see [Scope.Transport]).
func (s *Scope) Activate(ctx context.Context) (context.Context, error) {
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}
	installHook()
	return hook.WithEngine(ctx, s.engine, s.registry), nil
}

// Deactivate releases the resources s.Activate's ctx was holding open for
// this scope. It does not touch http.DefaultTransport: batchling never
// uninstalls its hook once installed, since other active Scopes (or
// concurrent requests mid-flight) may still depend on it. Deactivate exists
// so a caller has a single symmetric call to make at the end of a scope's
// lifetime; today that is an alias for [Scope.Close].
func (s *Scope) Deactivate(ctx context.Context) error {
	return s.Close()
}

// Transport returns an http.RoundTripper that batches any request issued
// through a context s.Activate produced, and passes every other request
// straight through to base (http.DefaultTransport if base is nil). Use this
// instead of Activate when building a dedicated *http.Client rather than
// relying on http.DefaultClient picking up the process-wide hook.
func (s *Scope) Transport(base http.RoundTripper) http.RoundTripper {
	return &hook.RoundTripper{Base: base}
}
