package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseDecimal normalises a loosely typed numeric input. Numbers pass
// through, strings may use a decimal comma ("12,5"). Anything absent or
// unparseable yields nil rather than an error.
func ParseDecimal(value any) *float64 {
	var f float64
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case json.Number:
		return ParseDecimal(v.String())
	case *float64:
		if v == nil {
			return nil
		}
		f = *v
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		s = strings.Replace(s, ",", ".", 1)
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// parseMillis applies ParseDecimal and rounds to whole milliseconds.
// Negative values are treated as absent.
func parseMillis(value any) *int64 {
	f := ParseDecimal(value)
	if f == nil || *f < 0 {
		return nil
	}
	ms := int64(math.Round(*f))
	return &ms
}
