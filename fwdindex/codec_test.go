package fwdindex

import (
	"testing"

	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	classes IndexKey = "java.class.shortname"
	methods IndexKey = "java.method.name"
	lines   IndexKey = "java.line"
)

func testDefs(t *testing.T) *Definitions {
	defs, err := NewDefinitions(
		Definition{Key: classes, ID: 1, Keys: Strings},
		Definition{Key: methods, ID: 2, Keys: Strings},
		Definition{Key: lines, ID: 3, Keys: Ints},
	)
	require.NoError(t, err)
	return defs
}

func sample() Map {
	return Map{
		classes: {"Foo": {0}, "Bar": {3}, "Baz": {}},
		methods: {"run": {1, 4}, "stop": {2}},
		lines:   {int64(10): {1}, int64(-1): {0, 2, 4}},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, strategy := range []KeyStrategy{NumericKeys, EnumeratedKeys} {
		for _, stable := range []bool{false, true} {
			codec, err := NewCodec(testDefs(t), strategy, stable)
			require.NoError(t, err)
			data, err := codec.Encode(sample())
			require.NoError(t, err)
			back, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, sample(), back, "%v stable=%v", strategy, stable)
		}
	}
}

func TestCodec_Empty(t *testing.T) {
	codec, err := NewCodec(testDefs(t), EnumeratedKeys, false)
	require.NoError(t, err)
	data, err := codec.Encode(Map{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)
	back, err := codec.Decode(data)
	assert.NoError(t, err)
	assert.Empty(t, back)

	_, err = codec.Decode([]byte{0, 0})
	assert.ErrorIs(t, err, stub_errors.ErrMalformed)
}

func TestCodec_StableIsDeterministic(t *testing.T) {
	codec, err := NewCodec(testDefs(t), EnumeratedKeys, true)
	require.NoError(t, err)
	first, err := codec.Encode(sample())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := codec.Encode(sample())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCodec_StableNeedsOrdering(t *testing.T) {
	defs, err := NewDefinitions(Definition{Key: "opaque", ID: 1, Keys: Unordered(Strings)})
	require.NoError(t, err)
	_, err = NewCodec(defs, NumericKeys, true)
	assert.ErrorIs(t, err, stub_errors.ErrUnorderedKeys)

	codec, err := NewCodec(defs, NumericKeys, false)
	require.NoError(t, err)
	data, err := codec.Encode(Map{"opaque": {"x": {1}}})
	require.NoError(t, err)
	back, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, StubIDList{1}, back["opaque"]["x"])
}

func TestCodec_Filtered(t *testing.T) {
	codec, err := NewCodec(testDefs(t), NumericKeys, true)
	require.NoError(t, err)
	data, err := codec.Encode(sample())
	require.NoError(t, err)

	values, found, err := codec.DecodeIndex(data, methods)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, sample()[methods], values)

	ids, found, err := codec.FindIDs(data, lines, int64(-1))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, StubIDList{0, 2, 4}, ids)

	ids, found, err = codec.FindIDs(data, classes, "Baz")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, StubIDList{}, ids, "empty list is present, not absent")

	_, found, err = codec.FindIDs(data, classes, "Nope")
	assert.NoError(t, err)
	assert.False(t, found)

	_, found, err = codec.DecodeIndex(data, "absent")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestCodec_CheckDataKey(t *testing.T) {
	codec, err := NewCodec(testDefs(t), NumericKeys, false)
	require.NoError(t, err)
	data, err := codec.Encode(sample())
	require.NoError(t, err)

	assert.NoError(t, codec.CheckDataKey(lines, int64(10)))
	// int is not the int64 the partition stores
	_, _, err = codec.FindIDs(data, lines, 10)
	assert.Error(t, err)
	_, _, err = codec.FindIDs(data, classes, []byte("Foo"))
	assert.Error(t, err)
	_, _, err = codec.FindIDs(data, classes, nil)
	assert.Error(t, err)
	_, _, err = codec.FindIDs(data, "absent", "Foo")
	assert.ErrorIs(t, err, stub_errors.ErrUnknownIndex)
}

func TestCodec_FilteredSkipsOtherBlocks(t *testing.T) {
	codec, err := NewCodec(testDefs(t), EnumeratedKeys, true)
	require.NoError(t, err)
	data, err := codec.Encode(Map{
		classes: {"Foo": {0}},
		methods: {"run": {1}},
	})
	require.NoError(t, err)
	// classes sorts first; corrupt the last byte, inside the methods block
	data[len(data)-1] = 0xff
	ids, found, err := codec.FindIDs(data, classes, "Foo")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, StubIDList{0}, ids)

	_, err = codec.Decode(data)
	assert.ErrorIs(t, err, stub_errors.ErrMalformed)
}

func TestCodec_UnknownPartitionSkipped(t *testing.T) {
	writer, err := NewCodec(testDefs(t), EnumeratedKeys, false)
	require.NoError(t, err)
	data, err := writer.Encode(sample())
	require.NoError(t, err)

	defs, err := NewDefinitions(Definition{Key: methods, ID: 9, Keys: Strings})
	require.NoError(t, err)
	reader, err := NewCodec(defs, EnumeratedKeys, false)
	require.NoError(t, err)
	back, err := reader.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Map{methods: sample()[methods]}, back)
}

func TestCodec_UnknownIndexOnEncode(t *testing.T) {
	codec, err := NewCodec(testDefs(t), NumericKeys, false)
	require.NoError(t, err)
	_, err = codec.Encode(Map{"nope": {"a": {0}}})
	assert.ErrorIs(t, err, stub_errors.ErrUnknownIndex)

	_, err = codec.Encode(Map{lines: {"not an int": {0}}})
	assert.Error(t, err)

	_, err = codec.Encode(Map{classes: {"Foo": {4, 2}}})
	assert.ErrorContains(t, err, "not ascending")
	_, err = codec.Encode(Map{classes: {"Foo": {-1}}})
	assert.ErrorContains(t, err, "out of range")
}

func TestCodec_Truncated(t *testing.T) {
	codec, err := NewCodec(testDefs(t), NumericKeys, true)
	require.NoError(t, err)
	data, err := codec.Encode(sample())
	require.NoError(t, err)
	for i := 0; i < len(data); i++ {
		_, err := codec.Decode(data[:i])
		assert.ErrorIs(t, err, stub_errors.ErrMalformed, "prefix %d", i)
	}
}

func TestDefinitions(t *testing.T) {
	_, err := NewDefinitions(
		Definition{Key: "a", ID: 1, Keys: Strings},
		Definition{Key: "a", ID: 2, Keys: Strings},
	)
	assert.ErrorIs(t, err, stub_errors.ErrDuplicateIndex)
	_, err = NewDefinitions(
		Definition{Key: "a", ID: 1, Keys: Strings},
		Definition{Key: "b", ID: 1, Keys: Strings},
	)
	assert.ErrorIs(t, err, stub_errors.ErrDuplicateIndex)
	_, err = NewDefinitions(Definition{Key: "a", ID: 0, Keys: Strings})
	assert.Error(t, err)

	defs := testDefs(t)
	assert.Equal(t, []IndexKey{classes, lines, methods}, defs.Keys())
}
