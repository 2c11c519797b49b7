package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatValue renders a decoded JSON scalar to its canonical text form for
// storage in a text column.
//
// Numbers arrive from encoding/json as float64; integral values are written
// without a fractional part or exponent so ids survive the round trip
// (e.g. 1234567890123 and not 1.234567890123e+12).
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		// Residual composites (maps, slices) are stored as JSON text.
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
