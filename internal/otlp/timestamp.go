package otlp

import (
	"strconv"
	"time"
)

// timestampLayouts are tried in order when parsing envelope timestamps.
// The first two cover timezone-qualified and UTC-suffixed RFC3339; the
// last covers the space-separated form some producers emit.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
}

// nowFunc is swapped in tests.
var nowFunc = time.Now

// ToUnixNano parses a timestamp string and returns Unix nanoseconds.
// On parse failure it falls back to the current time: a bad timestamp
// must never block delivery of the item carrying it.
func ToUnixNano(ts string) int64 {
	if ts == "" {
		return nowFunc().UnixNano()
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UnixNano()
		}
	}
	return nowFunc().UnixNano()
}

// FormatUnixNano renders nanoseconds as the decimal string OTLP
// expects for *TimeUnixNano fields.
func FormatUnixNano(ns int64) string {
	return strconv.FormatInt(ns, 10)
}
