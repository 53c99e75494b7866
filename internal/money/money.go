// Package money formats integer centavo amounts for customer-facing messages.
package money

import (
	"fmt"
	"strings"
)

// FormatBRL renders centavos as a Brazilian Real amount, e.g. 4750 -> "R$ 47,50".
func FormatBRL(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	reais := cents / 100
	rest := cents % 100
	return fmt.Sprintf("%sR$ %s,%02d", sign, groupThousands(reais), rest)
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	return strings.Join(parts, ".")
}
