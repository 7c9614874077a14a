// Package gemini implements the batchling provider adapter for the
// Gemini API's batch mode: the model lives in the URL path rather than
// the request body, and a single batch job carries its requests inline.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/batchling/batchling/provider"
)

var batchableEndpoints = []provider.EndpointSpec{
	{Methods: []string{"POST"}, PathTemplate: "/v1beta/models/{model}:generateContent"},
}

// Adapter batches requests against generativelanguage.googleapis.com.
//
// Service-account callers (a JSON key set via the caller's
// x-goog-service-account header instead of a bare x-goog-api-key) get a
// short-lived JWT bearer assertion signed for the submit/poll/fetch calls
// the engine issues on their behalf, mirroring how Vertex-style
// deployments of this API expect OAuth2 JWT-bearer auth instead of a
// static header.
type Adapter struct {
	provider.Base
}

// New builds the Gemini adapter.
func New() *Adapter {
	return &Adapter{
		Base: provider.NewBase(
			"gemini",
			[]string{"generativelanguage.googleapis.com"},
			false, // inline
			[]string{"done"},
			batchableEndpoints...,
		),
	}
}

// ExtractModel always returns an error: Gemini's generateContent endpoints
// carry the model in the {model} URL path segment, not the JSON payload,
// and ModelFromRequest is what reads it from there.
func (a *Adapter) ExtractModel(body []byte) (string, error) {
	return "", fmt.Errorf("gemini: model is carried in the URL path, not the body")
}

// ModelFromRequest is the path-aware counterpart ExtractModel can't be,
// used by the engine when building the queue key for this adapter.
func (a *Adapter) ModelFromRequest(u *url.URL) (string, bool) {
	return a.ModelFromPath(u)
}

type batchEntry struct {
	CustomID string          `json:"custom_id"`
	Request  json.RawMessage `json:"request"`
	Model    string          `json:"model"`
}

func (a *Adapter) BuildLine(customID string, req *provider.Request) (provider.Line, error) {
	model, ok := a.ModelFromPath(req.URL)
	if !ok {
		return provider.Line{}, fmt.Errorf("gemini: could not extract model from %s", req.URL.Path)
	}
	entry := batchEntry{CustomID: customID, Request: json.RawMessage(req.Body), Model: model}
	raw, err := json.Marshal(entry)
	if err != nil {
		return provider.Line{}, fmt.Errorf("gemini: encode batch entry: %w", err)
	}
	return provider.Line{CustomID: customID, Raw: raw}, nil
}

type batchNewRequest struct {
	Requests []json.RawMessage `json:"requests"`
}

type operation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response struct {
		ResultsURI string `json:"resultsUri"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// serviceAccountKey is the subset of a Google service-account JSON key
// batchling needs to sign a JWT assertion for this request's credentials.
type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

func (a *Adapter) authHeaders(headers http.Header) (http.Header, error) {
	if sa := headers.Get("x-goog-service-account"); sa != "" {
		token, err := a.signServiceAccountJWT(sa)
		if err != nil {
			return nil, fmt.Errorf("gemini: sign service account assertion: %w", err)
		}
		out := http.Header{}
		out.Set("Authorization", "Bearer "+token)
		return out, nil
	}
	return provider.AuthHeaders(headers), nil
}

// signServiceAccountJWT builds a self-signed JWT bearer assertion per
// Google's OAuth2 service-account flow (RFC 7523), valid for the single
// request the engine is about to make on the caller's behalf.
func (a *Adapter) signServiceAccountJWT(rawKey string) (string, error) {
	var key serviceAccountKey
	if err := json.Unmarshal([]byte(rawKey), &key); err != nil {
		return "", fmt.Errorf("decode service account key: %w", err)
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse service account private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   key.ClientEmail,
		"sub":   key.ClientEmail,
		"aud":   "https://generativelanguage.googleapis.com/",
		"scope": "https://www.googleapis.com/auth/generative-language",
		"iat":   now.Unix(),
		"exp":   now.Add(55 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(privateKey)
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth, err := a.authHeaders(headers)
	if err != nil {
		return err
	}
	for k, v := range auth {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return provider.NewStatusError("gemini", resp.StatusCode, fmt.Sprintf("%s %s: %s", method, url, msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit creates the batch operation inline, against whichever model the
// first line targets (a queue only ever holds one model's worth of
// requests, since model is part of the queue key).
func (a *Adapter) Submit(ctx context.Context, client *http.Client, host string, headers http.Header, lines []provider.Line) (*provider.Submission, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("gemini: cannot submit an empty batch")
	}
	var first batchEntry
	if err := json.Unmarshal(lines[0].Raw, &first); err != nil {
		return nil, fmt.Errorf("gemini: inspect batch model: %w", err)
	}

	reqs := make([]json.RawMessage, len(lines))
	for i, l := range lines {
		reqs[i] = json.RawMessage(l.Raw)
	}
	body, err := json.Marshal(batchNewRequest{Requests: reqs})
	if err != nil {
		return nil, fmt.Errorf("gemini: encode batch request: %w", err)
	}

	var op operation
	submitURL := fmt.Sprintf("https://%s/v1beta/models/%s:batchGenerateContent", host, first.Model)
	if err := a.doJSON(ctx, client, http.MethodPost, submitURL, headers, body, &op); err != nil {
		return nil, fmt.Errorf("gemini: create batch: %w", err)
	}
	return &provider.Submission{BatchID: op.Name, Host: host}, nil
}

func (a *Adapter) Poll(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) (*provider.PollResult, error) {
	var op operation
	pollURL := fmt.Sprintf("https://%s/v1beta/%s", host, sub.BatchID)
	if err := a.doJSON(ctx, client, http.MethodGet, pollURL, headers, nil, &op); err != nil {
		return nil, fmt.Errorf("gemini: poll batch: %w", err)
	}
	if op.Done && op.Response.ResultsURI != "" {
		sub.OutputFileID = op.Response.ResultsURI
	}
	status := "running"
	if op.Done {
		status = "done"
	}
	return &provider.PollResult{
		Status:   status,
		Terminal: op.Done,
		Ok:       op.Done && op.Error == nil,
	}, nil
}

type batchResultLine struct {
	CustomID string          `json:"custom_id"`
	Response json.RawMessage `json:"response"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) FetchResults(ctx context.Context, client *http.Client, host string, headers http.Header, sub *provider.Submission) ([]provider.ResultLine, error) {
	if sub.OutputFileID == "" {
		return nil, fmt.Errorf("gemini: batch has no results URI yet")
	}
	resultsURL := sub.OutputFileID
	if !strings.HasPrefix(resultsURL, "http") {
		resultsURL = "https://" + host + "/" + strings.TrimPrefix(resultsURL, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-batchling-internal", "1")
	auth, err := a.authHeaders(headers)
	if err != nil {
		return nil, err
	}
	for k, v := range auth {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: download results: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return nil, provider.NewStatusError("gemini", resp.StatusCode, fmt.Sprintf("results download: %s", msg))
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
			return nil, fmt.Errorf("gemini: decode result line: %w", err)
		}
		result := provider.ResultLine{CustomID: rl.CustomID}
		if rl.Error != nil {
			result.Err = fmt.Errorf("gemini: %s", rl.Error.Message)
		} else {
			result.StatusCode = http.StatusOK
			result.Header = http.Header{"Content-Type": []string{"application/json"}}
			result.Body = rl.Response
		}
		out = append(out, result)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gemini: scan results: %w", err)
	}
	return out, nil
}
