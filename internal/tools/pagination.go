package tools

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	PageSize = 10

	// DefaultRecentLimit is how many scan records OrganizationAssets returns
	// when no page is requested.
	DefaultRecentLimit = 40
)

// NormalizePage coerces a page argument to a positive integer. Missing,
// non-numeric and non-positive values all become 1; fractions are floored.
func NormalizePage(v any) int {
	var f float64
	switch p := v.(type) {
	case json.Number:
		n, err := p.Float64()
		if err != nil {
			return 1
		}
		f = n
	case float64:
		f = p
	case int:
		f = float64(p)
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 1
		}
		f = n
	default:
		return 1
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 1 {
		return 1
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Floor(f))
}

// PageRange returns the inclusive zero-based row range of page p.
func PageRange(p int) (from, to int) {
	if p < 1 {
		p = 1
	}
	return (p - 1) * PageSize, p*PageSize - 1
}
