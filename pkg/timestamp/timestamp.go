// Package timestamp provides standardized UTC timestamp handling for
// envelope headers.
//
// Envelope created_at values travel on the wire as RFC3339 strings in UTC;
// internally deadlines and sequence bookkeeping use int64 milliseconds since
// the Unix epoch. Zero values mean "unset" in both representations.
package timestamp

import "time"

// WireFormat is the layout used for created_at envelope headers.
const WireFormat = time.RFC3339Nano

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return ToUnixMs(time.Now())
}

// NowWire returns the current UTC time formatted for an envelope header.
func NowWire() string {
	return time.Now().UTC().Format(WireFormat)
}

// ToUnixMs converts a time.Time to Unix milliseconds. Zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to a time.Time. 0 maps to the zero
// time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ParseWire parses an envelope created_at header. Returns the zero time for
// empty or unparseable values; callers treat that as "header missing".
func ParseWire(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// FormatWire renders a time for an envelope header. Zero time renders as "".
func FormatWire(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(WireFormat)
}
