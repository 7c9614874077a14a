// Package hook implements the http.RoundTripper decorator that detours
// an outbound request into the batching engine bound to its context,
// transparently to whatever http.Client issued it.
package hook

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"golang.org/x/net/http/httpguts"

	"github.com/batchling/batchling/internal/engine"
	"github.com/batchling/batchling/provider"
)

// internalHeader marks a request the engine itself issues (file uploads,
// poll calls, result downloads) so RoundTripper never tries to batch its
// own traffic.
const internalHeader = "x-batchling-internal"

type contextKey struct{}

// binding is what Activate attaches to a context: the engine a batchable
// request should detour into, plus the registry RoundTripper uses to
// decide whether a given request is batchable at all.
type binding struct {
	engine   *engine.Engine
	registry *provider.Registry
}

// WithEngine returns a context carrying e and registry, so any request
// issued with it (or a context derived from it) is eligible for batching.
func WithEngine(ctx context.Context, e *engine.Engine, registry *provider.Registry) context.Context {
	return context.WithValue(ctx, contextKey{}, &binding{engine: e, registry: registry})
}

func fromContext(ctx context.Context) (*binding, bool) {
	b, ok := ctx.Value(contextKey{}).(*binding)
	return b, ok
}

// RoundTripper wraps Base (http.DefaultTransport if nil) and, for any
// request whose context carries an active engine binding and whose
// method+URL matches a registered adapter's batchable endpoints, routes
// the request through the engine instead of issuing it directly.
type RoundTripper struct {
	Base http.RoundTripper
}

func (rt *RoundTripper) base() http.RoundTripper {
	if rt.Base != nil {
		return rt.Base
	}
	return http.DefaultTransport
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(internalHeader) != "" {
		return rt.base().RoundTrip(req)
	}

	b, ok := fromContext(req.Context())
	if !ok {
		return rt.base().RoundTrip(req)
	}
	adapter, ok := b.registry.Match(req.Method, req.URL)
	if !ok {
		return rt.base().RoundTrip(req)
	}

	body, err := readAndRestore(req)
	if err != nil {
		return nil, err
	}

	result, err := b.engine.Handle(req.Context(), adapter, &provider.Request{
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return synthesize(req, result), nil
}

// readAndRestore drains req.Body (if any) and puts an equivalent reader
// back, since the caller's own http.Client may still try to read it for
// logging or retry middleware even though batchling intercepted the call.
func readAndRestore(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func synthesize(req *http.Request, result *engine.Result) *http.Response {
	header := sanitizeHeader(result.Header)
	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(result.Body)),
		ContentLength: int64(len(result.Body)),
		Request:       req,
	}
}

// sanitizeHeader copies only header fields with a valid token name and a
// valid field value onto the synthetic response, so a malformed header an
// adapter decoded off a provider's result line never produces an
// http.Response a caller's own client chokes on.
func sanitizeHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, values := range h {
		if !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range values {
			if httpguts.ValidHeaderFieldValue(v) {
				out.Add(k, v)
			}
		}
	}
	return out
}
