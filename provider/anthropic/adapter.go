// Package anthropic implements the batchling provider adapter for
// Anthropic's Message Batches API: an inline batch of requests submitted
// in one call, polled by processing_status, and resolved against a
// results URL rather than a file id.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/batchling/batchling/provider"
)

var batchableEndpoints = []provider.EndpointSpec{
	{Methods: []string{"POST"}, PathTemplate: "/v1/messages"},
}

// Adapter batches requests against api.anthropic.com.
type Adapter struct {
	provider.Base
}

// New builds the Anthropic adapter.
func New() *Adapter {
	return &Adapter{
		Base: provider.NewBase(
			"anthropic",
			[]string{"api.anthropic.com"},
			false, // inline, not file-based
			[]string{"ended"},
			batchableEndpoints...,
		),
	}
}

type requestBody struct {
	Model string `json:"model"`
}

func (a *Adapter) ExtractModel(body []byte) (string, error) {
	var rb requestBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return "", fmt.Errorf("anthropic: decode request body: %w", err)
	}
	if strings.TrimSpace(rb.Model) == "" {
		return "", fmt.Errorf("anthropic: request body missing model field")
	}
	return rb.Model, nil
}

type batchRequestEntry struct {
	CustomID string          `json:"custom_id"`
	Params   json.RawMessage `json:"params"`
}

// BuildLine wraps the original /v1/messages body as one entry of the
// batch's "requests" array; Anthropic has no separate JSONL encoding step
// since the whole batch is submitted in a single JSON body.
func (a *Adapter) BuildLine(customID string, req *provider.Request) (provider.Line, error) {
	entry := batchRequestEntry{CustomID: customID, Params: json.RawMessage(req.Body)}
	raw, err := json.Marshal(entry)
	if err != nil {
		return provider.Line{}, fmt.Errorf("anthropic: encode batch entry: %w", err)
	}
	return provider.Line{CustomID: customID, Raw: raw}, nil
}

type batchNewRequest struct {
	Requests []json.RawMessage `json:"requests"`
}

type batchObject struct {
	ID               string `json:"id"`
	ProcessingStatus string `json:"processing_status"`
	ResultsURL       string `json:"results_url"`
}

func (a *Adapter) doJSON(ctx context.Context, client *http.Client, method, url string, headers http.Header, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("x-batchling-internal", "1")
	req.Header.Set("anthropic-version", "2023-06-01")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range provider.AuthHeaders(headers) {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return provider.NewStatusError("anthropic", resp.StatusCode, fmt.Sprintf("%s %s: %s", method, url, msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit creates the batch with one call carrying every request inline.
func (a *Adapter) Submit(ctx context.Context, client *http.Client, host string, headers http.Header, lines []provider.Line) (*provider.Submission, error) {
	reqs := make([]json.RawMessage, len(lines))
	for i, l := range lines {
		reqs[i] = json.RawMessage(l.Raw)
	}
	body, err := json.Marshal(batchNewRequest{Requests: reqs})
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode batch request: %w", err)
	}

	var batch batchObject
	url := "https://" + host + "/v1/messages/batches"
	if err := a.doJSON(ctx, client, http.MethodPost, url, headers, body, &batch); err != nil {
		return nil, fmt.Errorf("anthropic: create batch: %w", err)
	}
	return &provider.Submission{BatchID: batch.ID, Host: host}, nil
}

// Poll checks processing_status and remembers the results URL once known.
func (a *Adapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	var batch batchObject
	url := fmt.Sprintf("https://%s/v1/messages/batches/%s", host, sub.BatchID)
	if err := a.doJSON(ctx, client, http.MethodGet, url, headers, nil, &batch); err != nil {
		return nil, fmt.Errorf("anthropic: poll batch: %w", err)
	}
	terminal := a.TerminalStates()[batch.ProcessingStatus]
	if batch.ResultsURL != "" {
		sub.OutputFileID = batch.ResultsURL
	}
	return &provider.PollResult{
		Status:   batch.ProcessingStatus,
		Terminal: terminal,
		Ok:       terminal && batch.ResultsURL != "",
	}, nil
}

type batchResultLine struct {
	CustomID string `json:"custom_id"`
	Result   struct {
		Type    string          `json:"type"`
		Message json.RawMessage `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"result"`
}

// FetchResults streams the results URL's JSONL body.
func (a *Adapter) FetchResults(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) ([]provider.ResultLine, error) {
	if sub.OutputFileID == "" {
		return nil, fmt.Errorf("anthropic: batch has no results_url yet")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.OutputFileID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-batchling-internal", "1")
	req.Header.Set("anthropic-version", "2023-06-01")
	for k, v := range provider.AuthHeaders(headers) {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: download results: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return nil, provider.NewStatusError("anthropic", resp.StatusCode, fmt.Sprintf("results download: %s", msg))
	}

	var out []provider.ResultLine
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rl batchResultLine
		if err := json.Unmarshal(line, &rl); err != nil {
			return nil, fmt.Errorf("anthropic: decode result line: %w", err)
		}
		result := provider.ResultLine{CustomID: rl.CustomID}
		switch rl.Result.Type {
		case "succeeded":
			result.StatusCode = http.StatusOK
			result.Header = http.Header{"Content-Type": []string{"application/json"}}
			result.Body = rl.Result.Message
		default:
			msg := "unknown batch result type"
			if rl.Result.Error != nil {
				msg = rl.Result.Error.Message
			}
			result.Err = fmt.Errorf("anthropic: %s: %s", rl.Result.Type, msg)
		}
		out = append(out, result)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: scan results: %w", err)
	}
	return out, nil
}
