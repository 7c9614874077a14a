// Package fingerprint canonicalizes a request into a stable hash so two
// logically identical requests, issued at different times or against
// different but equivalent hostnames, land on the same fingerprint.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Material is the input a fingerprint is computed over. Host is not part
// of it, so the same logical request sent to two equivalent hostnames
// (e.g. a provider and a self-hosted gateway in front of it) yields the
// same fingerprint; the cache store scopes rows to a host through its
// (fingerprint, host) primary key instead.
type Material struct {
	Provider string
	Endpoint string
	Model    string
	Body     []byte
}

// Compute canonicalizes Body (sorted object keys, normalized numeric
// literals) and returns the hex-encoded SHA-256 of
// {provider, endpoint, model, body} as a JSON object with sorted keys.
func Compute(m Material) (string, error) {
	canonicalBody, err := Canonicalize(m.Body)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize body: %w", err)
	}

	doc := map[string]any{
		"provider": m.Provider,
		"endpoint": m.Endpoint,
		"model":    m.Model,
		"body":     json.RawMessage(canonicalBody),
	}
	canonicalDoc, err := marshalSorted(doc)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize document: %w", err)
	}

	sum := sha256.Sum256(canonicalDoc)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize parses body as JSON and re-encodes it with object keys
// sorted recursively and numbers normalized to Go's shortest round-trip
// decimal form, so {"a":1,"b":2.0} and {"b":2,"a":1.0} hash identically.
func Canonicalize(body []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	normalized := normalize(v)
	return marshalSorted(normalized)
}

// normalize recursively rewrites json.Number values into a canonical
// decimal string so "1", "1.0", and "1e0" all normalize the same way, and
// sorts map keys by re-expressing maps as ordered slices is handled at
// marshal time by marshalSorted.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case json.Number:
		return normalizeNumber(t)
	default:
		return v
	}
}

func normalizeNumber(n json.Number) json.Number {
	if f, err := n.Float64(); err == nil {
		if i, err := n.Int64(); err == nil && float64(i) == f {
			return json.Number(strconv.FormatInt(i, 10))
		}
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return n
}

// marshalSorted marshals v with map keys sorted at every level. encoding/json
// already sorts map[string]any keys when marshaling, so this wraps that
// guarantee for clarity and to centralize how nested json.RawMessage values
// are re-embedded without double-escaping.
func marshalSorted(v any) ([]byte, error) {
	return sortedMarshal(v)
}

func sortedMarshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := sortedMarshal(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte("[")
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := sortedMarshal(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil
	case json.RawMessage:
		var inner any
		dec := json.NewDecoder(bytes.NewReader(t))
		dec.UseNumber()
		if err := dec.Decode(&inner); err != nil {
			return nil, err
		}
		return sortedMarshal(normalize(inner))
	default:
		return json.Marshal(t)
	}
}
