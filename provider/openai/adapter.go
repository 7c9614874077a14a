// Package openai implements the batchling provider adapter for the
// OpenAI batch API: JSONL file upload, then a batch job over one of the
// chat/completions-shaped endpoints.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/batchling/batchling/provider"
)

// batchableEndpoints mirrors the OpenAI endpoints that accept the
// "/v1/batches" completion_window flow, per the provider's documented
// batch support.
var batchableEndpoints = []provider.EndpointSpec{
	{Methods: []string{"POST"}, PathTemplate: "/v1/responses"},
	{Methods: []string{"POST"}, PathTemplate: "/v1/chat/completions"},
	{Methods: []string{"POST"}, PathTemplate: "/v1/embeddings"},
	{Methods: []string{"POST"}, PathTemplate: "/v1/completions"},
	{Methods: []string{"POST"}, PathTemplate: "/v1/moderations"},
}

// Adapter batches requests against api.openai.com.
type Adapter struct {
	provider.Base
}

// New builds the OpenAI adapter.
func New() *Adapter {
	return &Adapter{
		Base: provider.NewBase(
			"openai",
			[]string{"api.openai.com"},
			true, // file-based
			[]string{"completed", "failed", "expired", "cancelled"},
			batchableEndpoints...,
		),
	}
}

type requestBody struct {
	Model string `json:"model"`
}

// ExtractModel reads the top-level "model" field every batchable OpenAI
// endpoint's request body carries.
func (a *Adapter) ExtractModel(body []byte) (string, error) {
	var rb requestBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return "", fmt.Errorf("openai: decode request body: %w", err)
	}
	if strings.TrimSpace(rb.Model) == "" {
		return "", fmt.Errorf("openai: request body missing model field")
	}
	return rb.Model, nil
}

type jsonlLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// BuildLine wraps the original request body in the {custom_id, method,
// url, body} envelope the batch JSONL input file expects.
func (a *Adapter) BuildLine(customID string, req *provider.Request) (provider.Line, error) {
	line := jsonlLine{
		CustomID: customID,
		Method:   "POST",
		URL:      req.URL.Path,
		Body:     json.RawMessage(req.Body),
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return provider.Line{}, fmt.Errorf("openai: encode jsonl line: %w", err)
	}
	raw = append(raw, '\n')
	return provider.Line{CustomID: customID, Raw: raw}, nil
}

// classifySDKErr recovers the HTTP status the openai-go client attaches to
// its own *openai.Error so a 401/403 from Batches.New/Get is classified the
// same way a raw HTTP failure from the rest of this adapter is. Any other
// error (a transport failure, context cancellation) passes through
// unchanged.
func classifySDKErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.NewStatusError("openai", apiErr.StatusCode, apiErr.Message)
	}
	return err
}

func (a *Adapter) sdkClient(httpClient *http.Client, host string, headers http.Header) *openai.Client {
	opts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		option.WithBaseURL("https://" + host + "/v1"),
		option.WithHeader("x-batchling-internal", "1"),
	}
	if auth := headers.Get("Authorization"); auth != "" {
		key := strings.TrimPrefix(auth, "Bearer ")
		opts = append(opts, option.WithAPIKey(strings.TrimSpace(key)))
	}
	client := openai.NewClient(opts...)
	return &client
}

// uploadJSONL POSTs the JSONL payload to /v1/files with purpose=batch.
// The SDK's file-parameter helpers vary across versions; a hand-built
// multipart body keeps exact control over the JSONL bytes we send.
func (a *Adapter) uploadJSONL(ctx context.Context, client *http.Client, host string, headers http.Header, lines []provider.Line) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", "batch_input.jsonl")
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if _, err := part.Write(l.Raw); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+host+"/v1/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-batchling-internal", "1")
	for k, v := range provider.AuthHeaders(headers) {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: upload batch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return "", provider.NewStatusError("openai", resp.StatusCode, fmt.Sprintf("file upload: %s", msg))
	}
	var fileResp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fileResp); err != nil {
		return "", fmt.Errorf("openai: decode file upload response: %w", err)
	}
	return fileResp.ID, nil
}

// Submit uploads the JSONL file then creates the batch job.
func (a *Adapter) Submit(ctx context.Context, client *http.Client, host string, headers http.Header, lines []provider.Line) (*provider.Submission, error) {
	fileID, err := a.uploadJSONL(ctx, client, host, headers, lines)
	if err != nil {
		return nil, err
	}

	endpoint, err := endpointFromLines(lines)
	if err != nil {
		return nil, err
	}

	sdk := a.sdkClient(client, host, headers)
	batch, err := sdk.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: "24h",
		Endpoint:         openai.BatchNewParamsEndpoint(endpoint),
		InputFileID:      fileID,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: create batch job: %w", classifySDKErr(err))
	}

	return &provider.Submission{
		BatchID: batch.ID,
		Host:    host,
	}, nil
}

// endpointFromLines recovers the batch endpoint from the first line's URL
// field, since OpenAI's batch job is created against one endpoint for the
// whole file.
func endpointFromLines(lines []provider.Line) (string, error) {
	if len(lines) == 0 {
		return "", fmt.Errorf("openai: cannot submit an empty batch")
	}
	var first jsonlLine
	if err := json.Unmarshal(bytes.TrimRight(lines[0].Raw, "\n"), &first); err != nil {
		return "", fmt.Errorf("openai: inspect batch endpoint: %w", err)
	}
	return first.URL, nil
}

// Poll checks the batch job's status.
func (a *Adapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	sdk := a.sdkClient(client, host, headers)
	batch, err := sdk.Batches.Get(ctx, sub.BatchID)
	if err != nil {
		return nil, fmt.Errorf("openai: poll batch: %w", classifySDKErr(err))
	}
	status := string(batch.Status)
	terminal := a.TerminalStates()[status]
	sub.OutputFileID = batch.OutputFileID
	sub.ErrorFileID = batch.ErrorFileID
	return &provider.PollResult{
		Status:   status,
		Terminal: terminal,
		Ok:       status == "completed",
	}, nil
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// FetchResults downloads the batch's output (and error) file content and
// decodes each JSONL line back into a per-request result.
func (a *Adapter) FetchResults(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) ([]provider.ResultLine, error) {
	var out []provider.ResultLine
	for _, fileID := range []string{sub.OutputFileID, sub.ErrorFileID} {
		if fileID == "" {
			continue
		}
		lines, err := a.downloadFileLines(ctx, client, host, headers, fileID)
		if err != nil {
			return nil, err
		}
		out = append(out, lines...)
	}
	return out, nil
}

func (a *Adapter) downloadFileLines(ctx context.Context, client *http.Client, host string, headers http.Header, fileID string) ([]provider.ResultLine, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/v1/files/%s/content", host, fileID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-batchling-internal", "1")
	for k, v := range provider.AuthHeaders(headers) {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: download results file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return nil, provider.NewStatusError("openai", resp.StatusCode, fmt.Sprintf("results download: %s", msg))
	}

	var out []provider.ResultLine
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal(line, &rl); err != nil {
			return nil, fmt.Errorf("openai: decode result line: %w", err)
		}
		result := provider.ResultLine{CustomID: rl.CustomID}
		switch {
		case rl.Response != nil:
			result.StatusCode = rl.Response.StatusCode
			result.Header = http.Header{"Content-Type": []string{"application/json"}}
			result.Body = rl.Response.Body
		case rl.Error != nil:
			result.Err = fmt.Errorf("openai: %s", rl.Error.Message)
		}
		out = append(out, result)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openai: scan results file: %w", err)
	}
	return out, nil
}
