package fingerprint

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestCompute_SameMaterialSameHash(t *testing.T) {
	m := Material{Provider: "openai", Endpoint: "/v1/chat/completions", Model: "gpt-4o", Body: []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)}
	h1, err := Compute(m)
	require.NoError(t, err)
	h2, err := Compute(m)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestCompute_KeyOrderIndependent(t *testing.T) {
	a := Material{Provider: "openai", Endpoint: "/v1/chat/completions", Model: "gpt-4o", Body: []byte(`{"a":1,"b":2}`)}
	b := Material{Provider: "openai", Endpoint: "/v1/chat/completions", Model: "gpt-4o", Body: []byte(`{"b":2,"a":1}`)}
	ha, err := Compute(a)
	require.NoError(t, err)
	hb, err := Compute(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestCompute_NumberFormatIndependent(t *testing.T) {
	a := Material{Provider: "openai", Endpoint: "/v1/chat/completions", Model: "gpt-4o", Body: []byte(`{"temperature":1}`)}
	b := Material{Provider: "openai", Endpoint: "/v1/chat/completions", Model: "gpt-4o", Body: []byte(`{"temperature":1.0}`)}
	ha, err := Compute(a)
	require.NoError(t, err)
	hb, err := Compute(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestCompute_DifferentModelDifferentHash(t *testing.T) {
	base := []byte(`{"model":"gpt-4o"}`)
	a := Material{Provider: "openai", Endpoint: "/v1/chat/completions", Model: "gpt-4o", Body: base}
	b := Material{Provider: "openai", Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini", Body: base}
	ha, err := Compute(a)
	require.NoError(t, err)
	hb, err := Compute(b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)
}

// TestCanonicalize_ObjectKeyPermutationsProperty checks, via randomly
// shuffled key orderings of the same logical object, that canonicalization
// is order-independent no matter how many keys the object has.
func TestCanonicalize_ObjectKeyPermutationsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("shuffled key order canonicalizes identically", prop.ForAll(
		func(pairs map[string]int) bool {
			keys := make([]string, 0, len(pairs))
			for k := range pairs {
				keys = append(keys, k)
			}

			original, err := encodeInOrder(keys, pairs)
			if err != nil {
				return false
			}
			rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
			shuffled, err := encodeInOrder(keys, pairs)
			if err != nil {
				return false
			}

			c1, err := Canonicalize(original)
			if err != nil {
				return false
			}
			c2, err := Canonicalize(shuffled)
			if err != nil {
				return false
			}
			return string(c1) == string(c2)
		},
		gen.MapOf(gen.AlphaString(), gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}

// encodeInOrder hand-writes a JSON object literal with keys in exactly the
// given order, since json.Marshal always sorts map[string]any keys itself
// and would hide any ordering bug Canonicalize has.
func encodeInOrder(keys []string, pairs map[string]int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(pairs[k]))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
