package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParsePathRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"simple", "protocol_a.value"},
		{"nested_protocol", "group/child.value"},
		{"deep_chain", "outer/inner/leaf.result"},
		{"dotted_attribute", "analyze.estimate.uncertainty"},
		{"indexed_attribute", "gather.values[2]"},
		{"keyed_attribute", "gather.values[solvent]"},
		{"global", "global.substance"},
		{"bare_attribute", ".value"},
		{"namespaced", "1234|protocol_a.value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParsePath(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.input, parsed.String())
		})
	}
}

func TestParsePathErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing_separator", "protocol_a"},
		{"empty_property", "protocol_a."},
		{"empty_protocol_id", "a//b.value"},
		{"unterminated_index", "a.values[2"},
		{"empty_index", "a.values[]"},
		{"nested_index", "a.values[[0]]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePath(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestPathAccessors(t *testing.T) {
	path := MustParsePath("outer/inner.estimate.uncertainty")

	assert.Equal(t, "estimate.uncertainty", path.PropertyName())
	assert.Equal(t, []string{"outer", "inner"}, path.ProtocolIDs())
	assert.Equal(t, "outer", path.StartProtocol())
	assert.Equal(t, "inner", path.LastProtocol())
	assert.False(t, path.IsGlobal())

	global := NewGlobalPath("substance")
	assert.True(t, global.IsGlobal())
	assert.Equal(t, "global.substance", global.String())
}

func TestPathAppendUUID(t *testing.T) {
	path := MustParsePath("group/child.value")
	namespaced := path.AppendUUID("abcd")
	assert.Equal(t, "abcd|group/abcd|child.value", namespaced.String())

	// Already namespaced ids and the global scope stay untouched.
	assert.Equal(t, namespaced.String(), namespaced.AppendUUID("efgh").String())
	assert.Equal(t, "global.substance", NewGlobalPath("substance").AppendUUID("abcd").String())

	// The original is unchanged.
	assert.Equal(t, "group/child.value", path.String())
}

func TestPathReplaceProtocol(t *testing.T) {
	path := MustParsePath("abcd|build/abcd|assign.result")
	renamed := path.ReplaceProtocol("abcd|build", "efgh|build")
	assert.Equal(t, "efgh|build/abcd|assign.result", renamed.String())

	// The global scope is never rewritten.
	global := NewGlobalPath("substance")
	assert.Equal(t, "global.substance", global.ReplaceProtocol("global", "other").String())
}

func TestPathPrependProtocolID(t *testing.T) {
	path := MustParsePath("child.value")
	assert.Equal(t, "group/child.value", path.PrependProtocolID("group").String())

	bare := MustParsePath(".value")
	assert.Equal(t, "proto.value", bare.PrependProtocolID("proto").String())

	global := NewGlobalPath("substance")
	assert.Equal(t, "global.substance", global.PrependProtocolID("group").String())
}

func TestPathJSONRoundTrip(t *testing.T) {
	path := MustParsePath("group/child.values[3]")

	data, err := json.Marshal(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"full_path":"group/child.values[3]"}`, string(data))

	var decoded ProtocolPath
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, path.Equal(decoded))
}

func TestParsePathRoundTripProperty(t *testing.T) {
	identifier := rapid.StringMatching(`[a-z][a-z0-9_]{0,8}`)

	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfN(identifier, 1, 4).Draw(t, "ids")
		attribute := identifier.Draw(t, "attribute")
		if rapid.Bool().Draw(t, "indexed") {
			attribute += "[" + rapid.StringMatching(`[0-9]{1,3}`).Draw(t, "index") + "]"
		}

		original := NewProtocolPath(attribute, ids...)
		parsed, err := ParsePath(original.String())
		if err != nil {
			t.Fatalf("parse %q: %v", original.String(), err)
		}
		if !parsed.Equal(original) {
			t.Fatalf("round trip changed %q into %q", original.String(), parsed.String())
		}
	})
}
