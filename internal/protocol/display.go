package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DisplayLocation is the timezone location configured for display.
// Set from config.Timezone via time.LoadLocation.
var DisplayLocation *time.Location

// TimestampClaims is the set of claim names that contain Unix timestamps.
var TimestampClaims = map[string]bool{
	"auth_time": true,
	"exp":       true,
	"iat":       true,
	"nbf":       true,
}

// SortedKeys returns the sorted keys of a string-keyed map.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatClaimValue formats a claim value. Timestamp claims get the UTC time
// (and the display timezone, if configured) appended.
func FormatClaimValue(key string, v any) string {
	raw := FormatValue(v)
	if !TimestampClaims[key] {
		return raw
	}
	if n, ok := v.(float64); ok && n == float64(int64(n)) {
		return fmt.Sprintf("%s (%s)", raw, FormatTime(time.Unix(int64(n), 0)))
	}
	return raw
}

// FormatEpochMillis renders an absolute expiry stored in epoch milliseconds.
func FormatEpochMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return FormatTime(time.UnixMilli(ms))
}

// FormatTime renders t in UTC, plus the display timezone when it differs.
func FormatTime(t time.Time) string {
	utcStr := t.UTC().Format("2006-01-02T15:04:05 MST")
	if DisplayLocation != nil && DisplayLocation != time.UTC {
		return utcStr + " / " + t.In(DisplayLocation).Format("2006-01-02T15:04:05 MST")
	}
	return utcStr
}

// FormatValue formats a value for display, handling numeric types and
// nested JSON structures.
func FormatValue(v any) string {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%g", n)
	case json.Number:
		return n.String()
	case string:
		return n
	case map[string]any, []any:
		b, err := json.Marshal(n)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
