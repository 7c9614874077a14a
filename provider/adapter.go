// Package provider defines the contract a generative-AI provider must
// satisfy to be batchable, plus a registry that resolves an outbound
// request to the adapter that can batch it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Request is the subset of an outbound HTTP request an adapter needs to
// decide whether it is batchable and, if so, turn it into a batch line.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Line is one provider-ready line for a batch: a JSONL line for
// file-based providers, or an inline request payload for providers that
// accept a list of requests directly.
type Line struct {
	CustomID string
	Raw      []byte
}

// Submission is what an adapter hands back after successfully submitting
// a set of lines.
type Submission struct {
	BatchID      string
	Host         string
	OutputFileID string // file-based adapters only
	ErrorFileID  string // file-based adapters only
}

// PollResult is the adapter's view of a submitted batch's current state.
type PollResult struct {
	Status   string
	Terminal bool
	// Ok is false when Terminal is true but the terminal state represents
	// a failure (e.g. "failed", "expired", "cancelled"). The engine fetches
	// results on every terminal state regardless of Ok.
	Ok bool
}

// ResultLine is one decoded result for a custom_id, ready to become the
// synthetic *http.Response handed back to whichever goroutine is waiting
// on that custom_id.
type ResultLine struct {
	CustomID   string
	StatusCode int
	Header     http.Header
	Body       []byte
	// Err is set when the provider reported a per-line error (e.g. the
	// individual request inside the batch failed validation) rather than
	// a successful response.
	Err error
}

// Adapter is the contract a provider implementation satisfies to
// participate in batching. Concrete adapters normally embed Base and
// implement only the provider-specific operations below it.
type Adapter interface {
	// Name identifies the provider, e.g. "openai".
	Name() string
	// Hostnames lists the hosts this adapter serves, lowercase.
	Hostnames() []string
	// IsFileBased reports whether batches are submitted as an uploaded
	// JSONL file (true) or as an inline list of requests (false).
	IsFileBased() bool
	// TerminalStates lists the poll statuses that mean "stop polling".
	TerminalStates() map[string]bool
	// Matches reports whether this request is a batchable call this
	// adapter knows how to handle.
	Matches(method string, u *url.URL) bool
	// ExtractModel reads the model name out of a request body.
	ExtractModel(body []byte) (string, error)
	// BuildLine turns one pending request into a provider-ready line.
	BuildLine(customID string, req *Request) (Line, error)
	// Submit sends a batch of lines to the provider and returns a handle
	// to the resulting batch job.
	Submit(ctx context.Context, client *http.Client, host string, headers http.Header, lines []Line) (*Submission, error)
	// Poll checks the current state of a previously submitted batch.
	Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *Submission) (*PollResult, error)
	// FetchResults downloads and decodes the per-line results of a
	// terminal batch.
	FetchResults(ctx context.Context, client *http.Client, host string, headers http.Header, sub *Submission) ([]ResultLine, error)
}

// EndpointSpec is one batchable (method, path template) pair an adapter
// serves. PathTemplate may contain a single "{model}" segment for
// providers that put the model in the URL path rather than the body.
type EndpointSpec struct {
	Methods      []string
	PathTemplate string
}

var modelSegment = regexp.MustCompile(`\{model\}`)

// Base implements the bookkeeping every adapter shares: hostnames,
// endpoint templates, file-based/terminal-state metadata, and the
// Matches/Hostnames/Name/IsFileBased/TerminalStates methods. Concrete
// adapters embed it and implement ExtractModel, BuildLine, Submit, Poll,
// and FetchResults themselves, since those are inherently provider
// specific.
type Base struct {
	name      string
	hostnames []string
	fileBased bool
	terminal  map[string]bool
	endpoints []EndpointSpec
	patterns  []*regexp.Regexp
}

// NewBase builds the shared adapter bookkeeping. hostnames and terminal
// states are lowercased; endpoint path templates are compiled into
// matchers that treat "{model}" as a single non-slash path segment.
func NewBase(name string, hostnames []string, fileBased bool, terminalStates []string, endpoints ...EndpointSpec) Base {
	hosts := make([]string, len(hostnames))
	for i, h := range hostnames {
		hosts[i] = strings.ToLower(h)
	}
	terminal := make(map[string]bool, len(terminalStates))
	for _, s := range terminalStates {
		terminal[strings.ToLower(s)] = true
	}
	patterns := make([]*regexp.Regexp, len(endpoints))
	for i, ep := range endpoints {
		parts := strings.Split(ep.PathTemplate, "{model}")
		for j, p := range parts {
			parts[j] = regexp.QuoteMeta(p)
		}
		patterns[i] = regexp.MustCompile("^" + strings.Join(parts, "[^/]+") + "$")
	}
	return Base{
		name:      name,
		hostnames: hosts,
		fileBased: fileBased,
		terminal:  terminal,
		endpoints: endpoints,
		patterns:  patterns,
	}
}

func (b Base) Name() string                    { return b.name }
func (b Base) Hostnames() []string              { return b.hostnames }
func (b Base) IsFileBased() bool                { return b.fileBased }
func (b Base) TerminalStates() map[string]bool  { return b.terminal }

// AddHostnames widens which hosts this adapter matches, for a self-hosted
// gateway or a cloud-specific endpoint swap (an Azure OpenAI deployment, a
// private proxy) that serves the same batchable API shape under a host the
// adapter wasn't built with.
func (b *Base) AddHostnames(hosts ...string) {
	for _, h := range hosts {
		b.hostnames = append(b.hostnames, strings.ToLower(h))
	}
}

// Matches reports whether method+u targets one of this adapter's
// batchable endpoints on one of its hostnames.
func (b Base) Matches(method string, u *url.URL) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	hostOK := false
	for _, h := range b.hostnames {
		if h == host {
			hostOK = true
			break
		}
	}
	if !hostOK {
		return false
	}
	for i, ep := range b.endpoints {
		methodOK := len(ep.Methods) == 0
		for _, m := range ep.Methods {
			if strings.EqualFold(m, method) {
				methodOK = true
				break
			}
		}
		if methodOK && b.patterns[i].MatchString(u.Path) {
			return true
		}
	}
	return false
}

// ModelFromPath extracts the {model} path segment for the matching
// endpoint template, if any. Adapters whose model only ever appears in
// the request body don't need this.
func (b Base) ModelFromPath(u *url.URL) (string, bool) {
	for _, ep := range b.endpoints {
		if !modelSegment.MatchString(ep.PathTemplate) {
			continue
		}
		prefix, suffix, _ := strings.Cut(ep.PathTemplate, "{model}")
		if !strings.HasPrefix(u.Path, prefix) || !strings.HasSuffix(u.Path, suffix) {
			continue
		}
		rest := strings.TrimPrefix(u.Path, prefix)
		rest = strings.TrimSuffix(rest, suffix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		return rest, true
	}
	return "", false
}

// ClassifyStatus reports whether an HTTP status returned by a provider's
// submit/poll/fetch call is worth retrying (rate limits, 5xx, gateway
// errors) versus fatal (bad credentials, malformed request).
func ClassifyStatus(status int) (retryable bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return true
	case status == 529: // provider-overloaded, used by some providers
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// IsAuthStatus reports whether status represents a rejected or missing
// credential rather than a transient or malformed-request failure.
func IsAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// StatusError carries the HTTP status a provider's submit/poll/fetch call
// returned, so the engine can classify the failure (retry, fail fast as an
// auth error, fail fast as some other fatal error) instead of guessing from
// an error string.
type StatusError struct {
	Status   int
	Provider string
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
}

// NewStatusError builds a StatusError for a failed HTTP call an adapter made
// on the engine's behalf.
func NewStatusError(providerName string, status int, message string) *StatusError {
	return &StatusError{Status: status, Provider: providerName, Message: message}
}

// RetryableErr reports whether err is worth a fresh attempt. A *StatusError
// defers to ClassifyStatus; any other error (a transport failure, an SDK
// error with no status attached) defaults to retryable, since the engine
// has no better signal to go on.
func RetryableErr(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return ClassifyStatus(se.Status)
	}
	return true
}

// AuthHeaders extracts the headers that carry the caller's credentials so
// the engine's own submit/poll/fetch calls authenticate as the same
// caller, without batchling ever asking for credentials directly.
// x-goog-service-account is kept so the Gemini adapter can sign its JWT
// bearer assertion from it.
func AuthHeaders(h http.Header) http.Header {
	out := make(http.Header, 4)
	for _, key := range []string{"Authorization", "X-Api-Key", "x-goog-api-key", "x-goog-service-account"} {
		if v := h.Get(key); v != "" {
			out.Set(key, v)
		}
	}
	return out
}
