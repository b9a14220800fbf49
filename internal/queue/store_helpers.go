package queue

import (
	"errors"
	"time"
)

// storeTimeLayout is fixed width so lexicographic comparison of stored
// timestamps matches chronological order. RFC3339Nano does not have this
// property once fractional digits are trimmed, and lease-expiry selection
// compares timestamps inside SQL.
const storeTimeLayout = "2006-01-02 15:04:05.000"

func formatTime(t time.Time) string {
	return t.UTC().Format(storeTimeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if t, err := time.Parse(storeTimeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func timePtr(raw string, valid bool) *time.Time {
	if !valid || raw == "" {
		return nil
	}
	if t, err := parseTimeString(raw); err == nil {
		return &t
	}
	return nil
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
