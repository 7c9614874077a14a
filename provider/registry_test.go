package provider

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubAdapter satisfies Adapter with no-op provider calls, enough to
// exercise Registry's matching and lookup logic without a real network.
type stubAdapter struct {
	Base
}

func newStub(name string, hosts ...string) *stubAdapter {
	return &stubAdapter{Base: NewBase(name, hosts, false, []string{"done"},
		EndpointSpec{Methods: []string{"POST"}, PathTemplate: "/v1/x"})}
}

func (s *stubAdapter) ExtractModel(body []byte) (string, error) { return "", nil }
func (s *stubAdapter) BuildLine(customID string, req *Request) (Line, error) {
	return Line{CustomID: customID}, nil
}
func (s *stubAdapter) Submit(ctx context.Context, client *http.Client, host string, headers http.Header, lines []Line) (*Submission, error) {
	return nil, nil
}
func (s *stubAdapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *Submission) (*PollResult, error) {
	return nil, nil
}
func (s *stubAdapter) FetchResults(ctx context.Context, client *http.Client, host string, headers http.Header, sub *Submission) ([]ResultLine, error) {
	return nil, nil
}

func TestRegistry_RegisterAndByName(t *testing.T) {
	r := NewRegistry()
	a := newStub("stub-a", "api.stub-a.com")
	r.Register(a)

	got, ok := r.ByName("stub-a")
	require.True(t, ok)
	require.Equal(t, a, got)

	_, ok = r.ByName("missing")
	require.False(t, ok)
}

func TestRegistry_Match_FirstRegisteredWins(t *testing.T) {
	r := NewRegistry()
	a := newStub("stub-a", "api.shared.com")
	b := newStub("stub-b", "api.shared.com")
	r.Register(a)
	r.Register(b)

	u, err := url.Parse("https://api.shared.com/v1/x")
	require.NoError(t, err)

	got, ok := r.Match("POST", u)
	require.True(t, ok)
	require.Equal(t, "stub-a", got.Name())
}

func TestRegistry_Match_NoneMatches(t *testing.T) {
	r := NewRegistry()
	r.Register(newStub("stub-a", "api.stub-a.com"))

	u, err := url.Parse("https://api.unrelated.com/v1/x")
	require.NoError(t, err)

	_, ok := r.Match("POST", u)
	require.False(t, ok)
}

func TestRegistry_All_ReturnsIndependentSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(newStub("stub-a", "api.stub-a.com"))
	r.Register(newStub("stub-b", "api.stub-b.com"))

	all := r.All()
	require.Len(t, all, 2)

	all[0] = nil
	again, ok := r.ByName("stub-a")
	require.True(t, ok)
	require.NotNil(t, again)
}
