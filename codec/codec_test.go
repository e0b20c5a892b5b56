package codec

import (
	"testing"

	"github.com/agentuity/go-bridge/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecsAgreeOnShapes(t *testing.T) {
	payload := map[string]any{
		"question":    "2+2",
		"temperature": 0.7,
		"count":       3,
		"ok":          true,
		"tags":        []any{"a", "b"},
		"nested":      map[string]any{"n": int32(9)},
	}
	for _, c := range []Codec{Msgpack, JSON, Struct} {
		t.Run(c.Name(), func(t *testing.T) {
			buf, err := c.Marshal(payload)
			require.NoError(t, err)
			var out map[string]any
			require.NoError(t, c.Unmarshal(buf, &out))
			assert.Equal(t, "2+2", out["question"])
			assert.Equal(t, 0.7, out["temperature"])
			assert.Equal(t, int64(3), out["count"])
			assert.Equal(t, true, out["ok"])
			assert.Equal(t, []any{"a", "b"}, out["tags"])
			assert.Equal(t, map[string]any{"n": int64(9)}, out["nested"])
		})
	}
}

func TestCodecsScalarResults(t *testing.T) {
	for _, c := range []Codec{Msgpack, JSON, Struct} {
		t.Run(c.Name(), func(t *testing.T) {
			buf, err := c.Marshal("4")
			require.NoError(t, err)
			var out any
			require.NoError(t, c.Unmarshal(buf, &out))
			assert.Equal(t, "4", out)

			buf, err = c.Marshal(nil)
			require.NoError(t, err)
			out = "not nil"
			require.NoError(t, c.Unmarshal(buf, &out))
			assert.Nil(t, out)
		})
	}
}

func TestMsgpackKeepsBytes(t *testing.T) {
	buf, err := Msgpack.Marshal(map[string]any{"blob": []byte{1, 2, 3}})
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, Msgpack.Unmarshal(buf, &out))
	assert.Equal(t, []byte{1, 2, 3}, out["blob"])
}

func TestDecodeFailureIsSerialization(t *testing.T) {
	var out map[string]any
	for _, c := range []Codec{Msgpack, JSON, Struct} {
		err := c.Unmarshal([]byte{0xc1, 0xff, 0x00}, &out)
		require.Error(t, err, c.Name())
		assert.Equal(t, fault.KindSerialization, fault.KindOf(err), c.Name())
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name string
		want Codec
	}{
		{"", Msgpack},
		{"msgpack", Msgpack},
		{"JSON", JSON},
		{"struct", Struct},
		{"protobuf", Struct},
	}
	for _, tt := range tests {
		c, err := Lookup(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.want, c)
	}
	_, err := Lookup("xml")
	assert.ErrorIs(t, err, fault.ErrCodecFailure)
}

func TestNormalize(t *testing.T) {
	in := map[string]any{
		"a": int8(1),
		"b": uint16(2),
		"c": float32(0.5),
		"d": []any{int(4), map[any]any{"k": uint32(5)}},
	}
	out := Normalize(in).(map[string]any)
	assert.Equal(t, int64(1), out["a"])
	assert.Equal(t, int64(2), out["b"])
	assert.Equal(t, float64(0.5), out["c"])
	assert.Equal(t, []any{int64(4), map[string]any{"k": int64(5)}}, out["d"])
	assert.Equal(t, uint64(1<<63), Normalize(uint64(1<<63)))
}
