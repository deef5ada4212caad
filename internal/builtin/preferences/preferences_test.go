package preferences

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAndDecodeValueRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		value   any
		want    NativeType
		decoded any
	}{
		{"null", nil, TypeNull, nil},
		{"bool true", true, TypeBoolean, true},
		{"bool false", false, TypeBoolean, false},
		{"integer", float64(42), TypeI32, int64(42)},
		{"float", float64(3.5), TypeF32, float64(3.5)},
		{"string", "hello", TypeString, "hello"},
		{"object", map[string]any{"a": float64(1)}, TypeJSON, map[string]any{"a": float64(1)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nativeType, text, err := classify(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.want, nativeType)

			got, err := decodeValue(nativeType, text)
			require.NoError(t, err)
			assert.Equal(t, tc.decoded, got)
		})
	}
}
