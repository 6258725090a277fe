package exchange

import (
	"math"
	"testing"
)

func TestFloorToPrecision(t *testing.T) {
	cases := []struct {
		name      string
		value     float64
		precision float64
		want      float64
	}{
		{"步长对齐向下", 0.12345, 0.001, 0.123},
		{"已对齐的值不变", 0.5, 0.1, 0.5},
		{"小数位数形式", 1.23456, 3, 1.234},
		{"非法精度原样返回", 0.777, 0, 0.777},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := floorToPrecision(tc.value, tc.precision)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("floorToPrecision(%v, %v) = %v, want %v", tc.value, tc.precision, got, tc.want)
			}
			if got > tc.value+1e-9 {
				t.Errorf("floor must never exceed the input: got %v from %v", got, tc.value)
			}
		})
	}
}

func TestRoundToPrecision(t *testing.T) {
	cases := []struct {
		name      string
		value     float64
		precision float64
		want      float64
	}{
		{"就近对齐到报价步长", 48000.07, 0.1, 48000.1},
		{"向下就近", 48000.04, 0.1, 48000.0},
		{"小数位数形式", 3000.456, 2, 3000.46},
		{"非法精度原样返回", 3000.456, 0, 3000.456},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := roundToPrecision(tc.value, tc.precision)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("roundToPrecision(%v, %v) = %v, want %v", tc.value, tc.precision, got, tc.want)
			}
		})
	}
}
