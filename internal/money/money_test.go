package money

import "testing"

func TestFormatBRL(t *testing.T) {
	cases := []struct {
		cents int64
		want  string
	}{
		{0, "R$ 0,00"},
		{5, "R$ 0,05"},
		{4750, "R$ 47,50"},
		{100000, "R$ 1.000,00"},
		{123456789, "R$ 1.234.567,89"},
		{-990, "-R$ 9,90"},
	}
	for _, tc := range cases {
		if got := FormatBRL(tc.cents); got != tc.want {
			t.Errorf("FormatBRL(%d) = %q, want %q", tc.cents, got, tc.want)
		}
	}
}
