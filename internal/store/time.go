package store

import "time"

// TimeFormat is the canonical timestamp encoding for all tiers.
// RFC 3339 with nanoseconds sorts lexicographically, so created_at
// ordering works directly in SQL.
const TimeFormat = time.RFC3339Nano

// DateFormat is the per-date key used by the metrics tier.
const DateFormat = "2006-01-02"

// FormatTime encodes t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime decodes a stored timestamp. Empty strings return the zero
// time without error, matching nullable columns read as "".
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeFormat, s)
}
