package cursor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegerCursor(t *testing.T) {
	tests := []struct {
		name   string
		cursor IntegerCursor
	}{
		{name: "zero", cursor: IntegerCursor{Seq: 0}},
		{name: "positive", cursor: IntegerCursor{Seq: 123}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := MarshalWire(tt.cursor)
			require.NoError(t, err)

			got, err := UnmarshalWire(wire)
			require.NoError(t, err)

			ic, ok := got.(IntegerCursor)
			require.True(t, ok, "UnmarshalWire() got = %T, want IntegerCursor", got)
			assert.Equal(t, tt.cursor.Seq, ic.Seq)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, c := range []Cursor{
		NewInteger(42),
		NewString("13-g1AAAABXeJzLYWBgYMpgTmHgz8tPSTV0MDQy"),
		StringCursor{Token: `[3,"g1AAAA"]`, Raw: true},
	} {
		s, err := Encode(c)
		require.NoError(t, err)

		got, err := Decode(s)
		require.NoError(t, err)
		assert.True(t, Equal(c, got), "round trip of %v gave %v", c, got)
		assert.Equal(t, c, got)
	}

	s, err := Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, s)

	got, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("{not json")
	assert.Error(t, err)

	_, err = Decode(`{"kind":"vector","data":{}}`)
	assert.ErrorContains(t, err, "unknown cursor kind")
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		raw  string
		want Cursor
	}{
		{raw: `17`, want: NewInteger(17)},
		{raw: `"17-abc"`, want: NewString("17-abc")},
		{raw: `[5,"g1A"]`, want: StringCursor{Token: `[5,"g1A"]`, Raw: true}},
		{raw: `null`, want: nil},
		{raw: ``, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := FromJSON(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := FromJSON(json.RawMessage(`-3`))
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	r, ok := Compare(NewInteger(1), NewInteger(2))
	assert.True(t, ok)
	assert.Equal(t, -1, r)

	r, ok = Compare(NewInteger(9), NewInteger(9))
	assert.True(t, ok)
	assert.Equal(t, 0, r)

	_, ok = Compare(NewString("1-a"), NewString("2-b"))
	assert.False(t, ok, "string sequences are opaque")
}

func TestValidateWireCursor_TooLarge(t *testing.T) {
	big := make([]byte, maxWireCursorSize+1)
	for i := range big {
		big[i] = '1'
	}
	err := ValidateWireCursor(&WireCursor{Kind: KindInteger, Data: big})
	assert.ErrorContains(t, err, "too large")
}
