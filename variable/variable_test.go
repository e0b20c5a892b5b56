package variable

import (
	"strings"
	"testing"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New(DefaultLimits())
	values := map[string]any{
		"temperature": 0.7,
		"name":        "bridge",
		"count":       int64(3),
		"enabled":     true,
		"blob":        []byte{1, 2},
		"tags":        []any{"a"},
		"config":      map[string]any{"k": "v"},
		"nothing":     nil,
	}
	for k, v := range values {
		_, err := s.Set(k, v)
		require.NoError(t, err, k)
	}
	for k, v := range values {
		got, err := s.Value(k)
		require.NoError(t, err, k)
		assert.Equal(t, v, got, k)
	}
	assert.Equal(t, len(values), s.Len())
	assert.Equal(t, values, s.ToMap())
}

func TestInferType(t *testing.T) {
	tests := []struct {
		value any
		want  TypeTag
	}{
		{nil, TypeNull},
		{"x", TypeString},
		{7, TypeInteger},
		{uint8(7), TypeInteger},
		{0.5, TypeFloat},
		{true, TypeBoolean},
		{[]byte("x"), TypeBytes},
		{[]string{"x"}, TypeList},
		{map[string]int{"x": 1}, TypeMap},
		{struct{ A int }{1}, TypeObject},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferType(tt.value), "%#v", tt.value)
	}
}

func TestSetTyped(t *testing.T) {
	s := New(DefaultLimits())
	v, err := s.SetTyped("t", 1, TypeFloat)
	require.NoError(t, err)
	assert.Equal(t, TypeFloat, v.Type)

	_, err = s.SetTyped("t", "hot", TypeFloat)
	assert.ErrorIs(t, err, fault.ErrTypeMismatch)
	got, _ := s.Value("t")
	assert.Equal(t, 1, got, "failed typed set leaves the old value")
}

func TestSizeExceededLeavesStoreUnchanged(t *testing.T) {
	s := New(Limits{MaxValueBytes: 64, MaxCount: 10})
	_, err := s.Set("prompt", "short")
	require.NoError(t, err)
	before := s.Snapshot()

	_, err = s.Set("prompt", strings.Repeat("x", 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrSizeExceeded)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = s.Set("other", strings.Repeat("x", 100))
	assert.ErrorIs(t, err, fault.ErrSizeExceeded)

	assert.Equal(t, before, s.Snapshot())
	_, err = s.Get("other")
	assert.ErrorIs(t, err, fault.ErrVariableNotFound)
}

func TestCountExceeded(t *testing.T) {
	s := New(Limits{MaxValueBytes: 1024, MaxCount: 2})
	_, err := s.Set("a", 1)
	require.NoError(t, err)
	_, err = s.Set("b", 2)
	require.NoError(t, err)
	_, err = s.Set("c", 3)
	assert.ErrorIs(t, err, fault.ErrCountExceeded)
	_, err = s.Set("a", 10)
	assert.NoError(t, err, "overwriting does not count against the limit")
	assert.Equal(t, []string{"a", "b"}, s.Names())
}

func TestDelete(t *testing.T) {
	s := New(DefaultLimits())
	_, _ = s.Set("a", 1)
	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	_, err := s.Get("a")
	assert.ErrorIs(t, err, fault.ErrVariableNotFound)
}

func TestMergeAllOrNothing(t *testing.T) {
	s := New(Limits{MaxValueBytes: 32, MaxCount: 3})
	require.NoError(t, s.Merge(map[string]any{"a": 1, "b": 2}))

	err := s.Merge(map[string]any{"a": 100, "c": strings.Repeat("x", 64)})
	assert.ErrorIs(t, err, fault.ErrSizeExceeded)
	err = s.Merge(map[string]any{"c": 3, "d": 4})
	assert.ErrorIs(t, err, fault.ErrCountExceeded)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, s.ToMap())

	require.NoError(t, s.Merge(map[string]any{"a": 5, "c": 3}))
	assert.Equal(t, map[string]any{"a": 5, "b": 2, "c": 3}, s.ToMap())
}

func TestSnapshotRestore(t *testing.T) {
	s := New(DefaultLimits())
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	_, _ = s.Set("b", "two")
	_, _ = s.Set("a", 1)
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, fixed, snap[0].ModifiedAt)

	other := New(DefaultLimits())
	require.NoError(t, other.Restore(snap))
	assert.Equal(t, s.ToMap(), other.ToMap())
	assert.Equal(t, s.TotalSize(), other.TotalSize())

	small := New(Limits{MaxValueBytes: 1024, MaxCount: 1})
	assert.ErrorIs(t, small.Restore(snap), fault.ErrCountExceeded)
	other.Clear()
	assert.Equal(t, 0, other.Len())
}

func TestEmptyNameRejected(t *testing.T) {
	_, err := New(DefaultLimits()).Set("", 1)
	assert.ErrorIs(t, err, fault.ErrInvalidName)
}

func TestStoreDoesNotAliasCallerValues(t *testing.T) {
	s := New(Limits{MaxValueBytes: 1024, MaxCount: 10})
	cfg := map[string]any{"k": "small", "nested": []any{"a"}}
	set, err := s.Set("cfg", cfg)
	require.NoError(t, err)
	size := set.Size

	cfg["k"] = strings.Repeat("x", 4096)
	cfg["nested"].([]any)[0] = "changed"

	got, err := s.Get("cfg")
	require.NoError(t, err)
	assert.Equal(t, size, got.Size)
	assert.Equal(t, map[string]any{"k": "small", "nested": []any{"a"}}, got.Value)
	assert.LessOrEqual(t, s.TotalSize(), 1024)

	got.Value.(map[string]any)["k"] = "through get"
	v, err := s.Value("cfg")
	require.NoError(t, err)
	v.(map[string]any)["k"] = "through value"
	s.ToMap()["cfg"].(map[string]any)["k"] = "through map"
	snap := s.Snapshot()
	snap[0].Value.(map[string]any)["k"] = "through snapshot"

	v, err = s.Value("cfg")
	require.NoError(t, err)
	assert.Equal(t, "small", v.(map[string]any)["k"])
}

func TestDeepCopyKeepsTypes(t *testing.T) {
	type inner struct {
		Tags []string
	}
	src := map[string][]int{"a": {1, 2}}
	dst := deepCopy(src).(map[string][]int)
	dst["a"][0] = 9
	assert.Equal(t, 1, src["a"][0])

	p := &inner{Tags: []string{"x"}}
	q := deepCopy(p).(*inner)
	q.Tags[0] = "y"
	assert.Equal(t, "x", p.Tags[0])

	assert.Nil(t, deepCopy(nil))
	assert.Equal(t, 7, deepCopy(7))
	assert.Equal(t, []byte{1}, deepCopy([]byte{1}))
}
