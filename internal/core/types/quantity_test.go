package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in   string
		want Quantity
	}{
		{"10", 100_000},
		{"-3", -30_000},
		{"2.5", 25_000},
		{"0.0001", 1},
		{"0.00005", 1},
		{"1e2", 1_000_000},
		{" 7 ", 70_000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQuantity(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQuantity_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1e20", "922337203685478", "-922337203685478"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseQuantity(in)
			assert.Error(t, err)
		})
	}
}

func TestParseQuantity_Bounds(t *testing.T) {
	got, err := ParseQuantity("922337203685477.5807")
	require.NoError(t, err)
	assert.Equal(t, Quantity(math.MaxInt64), got)

	got, err = ParseQuantity("-922337203685477.5808")
	require.NoError(t, err)
	assert.Equal(t, Quantity(math.MinInt64), got)
}

func TestQuantity_UnmarshalJSONRejectsOverflow(t *testing.T) {
	var q Quantity
	assert.Error(t, json.Unmarshal([]byte(`1e20`), &q))
}

func TestQuantity_String(t *testing.T) {
	assert.Equal(t, "10", NewQuantity(10).String())
	assert.Equal(t, "2.5", MustQuantity("2.5").String())
	assert.Equal(t, "-0.125", MustQuantity("-0.125").String())
	assert.Equal(t, "0", Quantity(0).String())
}

func TestQuantity_Clamp(t *testing.T) {
	assert.Equal(t, NewQuantity(3), NewQuantity(5).Clamp(0, NewQuantity(3)))
	assert.Equal(t, Quantity(0), NewQuantity(-2).Clamp(0, NewQuantity(3)))
	assert.Equal(t, Quantity(0), NewQuantity(2).Clamp(0, NewQuantity(-1)))
	assert.Equal(t, NewQuantity(2), NewQuantity(2).Clamp(0, NewQuantity(3)))
}

func TestQuantity_JSON(t *testing.T) {
	var v struct {
		A Quantity `json:"a"`
		B Quantity `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 1.25, "b": "4"}`), &v))
	assert.Equal(t, MustQuantity("1.25"), v.A)
	assert.Equal(t, NewQuantity(4), v.B)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1.25, "b": 4}`, string(out))
}
