package meter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    Kind
		want    any
	}{
		{name: "float", payload: "230.5", kind: KindNumber, want: 230.5},
		{name: "integer", payload: "42", kind: KindInteger, want: int64(42)},
		{name: "negative integer", payload: "-7", kind: KindInteger, want: int64(-7)},
		{name: "float with newline", payload: "0.123\n", kind: KindNumber, want: 0.123},
		{name: "invalid float", payload: "1.2.3", kind: KindText, want: "1.2.3"},
		{name: "hex float", payload: "0x1.8p1", kind: KindText, want: "0x1.8p1"},
		{name: "signed hex float", payload: "-0X1.8p1", kind: KindText, want: "-0X1.8p1"},
		{name: "exponent without dot", payload: "1e5", kind: KindText, want: "1e5"},
		{name: "timestamp", payload: "231018120000S", kind: KindText, want: "231018120000S"},
		{name: "empty", payload: "", kind: KindText, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Decode([]byte(tt.payload))
			require.Equal(t, tt.kind, v.Kind())
			switch want := tt.want.(type) {
			case float64:
				got, ok := v.Float()
				require.True(t, ok)
				assert.Equal(t, want, got)
			case int64:
				got, ok := v.Int()
				require.True(t, ok)
				assert.Equal(t, want, got)
			case string:
				got, ok := v.Str()
				require.True(t, ok)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestValueFloatConvertsIntegers(t *testing.T) {
	f, ok := Integer(3).Float()
	require.True(t, ok)
	assert.Equal(t, 3.0, f)

	_, ok = Text("x").Float()
	assert.False(t, ok)
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "230.5", Number(230.5).String())
	assert.Equal(t, "42", Integer(42).String())
	assert.Equal(t, `"abc"`, Text("abc").String())
	assert.Equal(t, "<nil>", Value{}.String())
}
