// Package validate implements C7: per-event-type schema validation and
// the timestamp coercion rules of spec.md §4.4.2.
package validate

import (
	"encoding/json"
	"math"
)

// sentinelObject is the `{".sv": "timestamp"}` shape spec.md §4.4.2
// calls out as a nested "server now" sentinel.
type sentinelObject struct {
	SV string `json:".sv"`
}

// sentinelString is the bare-value form of the same "server now"
// sentinel, sent by clients that can't construct the nested object.
const sentinelString = "SERVER_TIMESTAMP"

// CoerceTimestamp normalizes a raw incoming timestamp value per
// spec.md §4.4.2: a bare sentinel or the nested `{".sv":"timestamp"}`
// object becomes nowMS; a non-positive, non-finite, or missing value
// becomes nowMS; otherwise the value is accepted verbatim. The result is
// always a positive integer millisecond value.
func CoerceTimestamp(raw json.RawMessage, nowMS int64) int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nowMS
	}

	var obj sentinelObject
	if err := json.Unmarshal(raw, &obj); err == nil && obj.SV == "timestamp" {
		return nowMS
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == sentinelString {
			return nowMS
		}
		return nowMS // a string that isn't the sentinel is not a valid timestamp
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nowMS
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 1 {
		return nowMS
	}
	return int64(f)
}
