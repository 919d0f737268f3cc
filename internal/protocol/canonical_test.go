package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalScalars(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int64", int64(42), "42"},
		{"negative", -7, "-7"},
		{"max int64", int64(9223372036854775807), "9223372036854775807"},
		{"bool", true, "true"},
		{"empty slice", []int{}, "[]"},
		{"empty map", map[string]int{}, "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonicalSortsKeysRecursively(t *testing.T) {
	in := map[string]any{
		"zulu":  1,
		"alpha": map[string]any{"y": 1, "b": 2},
		"mike":  []any{map[string]any{"d": 1, "c": 2}},
	}
	out, err := MarshalCanonical(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"b":2,"y":1},"mike":[{"c":2,"d":1}],"zulu":1}`, string(out))
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+10000 encodes to a surrogate pair starting 0xD800, which sorts before
	// U+E000 in UTF-16 even though it sorts after it in UTF-8.
	in := map[string]int{"\uE000": 1, "\U00010000": 2}
	out, err := MarshalCanonical(in)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(out))
}

func TestMarshalCanonicalStructTags(t *testing.T) {
	type sample struct {
		Second string `json:"second"`
		First  int64  `json:"first"`
		Skip   *int   `json:"skip,omitempty"`
	}
	out, err := MarshalCanonical(sample{Second: "b", First: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"first":1,"second":"b"}`, string(out))
}

func TestMarshalCanonicalDropsNullMembers(t *testing.T) {
	type sample struct {
		Salt []byte `json:"salt"`
		N    int    `json:"n"`
	}
	out, err := MarshalCanonical(sample{N: 3})
	require.NoError(t, err)
	assert.Equal(t, `{"n":3}`, string(out))
}

func TestMarshalCanonicalRejects(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		errText string
	}{
		{"top-level null", nil, "null"},
		{"null in array", []any{1, nil}, "null"},
		{"float", 3.25, "float"},
		{"float in object", map[string]any{"x": 1.5}, "float"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestMarshalCanonicalNoHTMLEscaping(t *testing.T) {
	out, err := MarshalCanonical(map[string]string{"body": "<b>a & b</b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"body":"<b>a & b</b>"}`, string(out))
	assert.NotContains(t, string(out), `\u003c`)
	assert.NotContains(t, string(out), `\u0026`)
}

func TestMarshalCanonicalNFC(t *testing.T) {
	composed, err := MarshalCanonical(map[string]string{"caf\u00e9": "caf\u00e9"})
	require.NoError(t, err)
	decomposed, err := MarshalCanonical(map[string]string{"cafe\u0301": "cafe\u0301"})
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonicalEscapes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"newline", "a\nb", `"a\nb"`},
		{"quote", `say "hi"`, `"say \"hi\""`},
		{"backslash", `c:\tmp`, `"c:\\tmp"`},
		{"line separator", "a\u2028b", "\"a\u2028b\""},
		{"paragraph separator", "a\u2029b", "\"a\u2029b\""},
		{"literal escape text", `see \u2028`, `"see \\u2028"`},
		{"literal then real", "x \\u2029 y \u2029", "\"x \\\\u2029 y \u2029\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonicalIdempotentOverEvents(t *testing.T) {
	ev := StreamEvent{
		CreatorAddress:    []byte{1, 2, 3},
		PrevMiniblockHash: MustParseHash("aa00000000000000000000000000000000000000000000000000000000000001"),
		PrevMiniblockNum:  5,
		Payload:           &ChannelPayload{Message: EncryptedData{Algorithm: "none", Ciphertext: "hi"}},
		Tags:              &Tags{Mentions: []string{"b", "a"}},
	}
	first, err := MarshalCanonical(ev)
	require.NoError(t, err)

	var decoded StreamEvent
	require.NoError(t, decoded.UnmarshalJSON(first))
	second, err := MarshalCanonical(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}
