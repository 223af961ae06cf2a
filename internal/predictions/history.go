package predictions

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ParseHistory reads past multipliers typed by the user ("1.23x 4.56, 2.01").
// Tokens are split on whitespace and commas, a trailing x is ignored and
// anything that is not a positive number is dropped.
func ParseHistory(text string) ([]float64, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})

	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSuffix(strings.TrimSuffix(f, "x"), "X")
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		values = append(values, v)
	}

	if len(values) == 0 {
		return nil, ErrInvalidHistory
	}
	return values, nil
}
