package types

import (
	"fmt"
	"strconv"
	"time"
)

// TruncateHour returns the hour boundary at or before t, in UTC.
func TruncateHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// ValidateHour rejects timestamps that do not sit exactly on an hour boundary.
func ValidateHour(t time.Time) error {
	if t.IsZero() || !t.Equal(TruncateHour(t)) {
		return fmt.Errorf("%w: %s is not on an hour boundary", ErrInvalidSettlementTime, t.Format(time.RFC3339Nano))
	}
	return nil
}

// HourKey is the storage key of an hour boundary (Unix seconds).
func HourKey(t time.Time) int64 {
	return t.Unix()
}

// HourFromKey is the inverse of HourKey.
func HourFromKey(key int64) time.Time {
	return time.Unix(key, 0).UTC()
}

// HourRange filters hour keys: From inclusive, To exclusive. Zero leaves
// that side open.
type HourRange struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

// ParseHourRange reads optional Unix-second bounds as given in a query string.
func ParseHourRange(from, to string) (HourRange, error) {
	var r HourRange
	var err error
	if from != "" {
		if r.From, err = strconv.ParseInt(from, 10, 64); err != nil || r.From < 0 {
			return HourRange{}, fmt.Errorf("%w: from %q", ErrInvalidRange, from)
		}
	}
	if to != "" {
		if r.To, err = strconv.ParseInt(to, 10, 64); err != nil || r.To < 0 {
			return HourRange{}, fmt.Errorf("%w: to %q", ErrInvalidRange, to)
		}
	}
	if r.From > 0 && r.To > 0 && r.From >= r.To {
		return HourRange{}, fmt.Errorf("%w: from must be before to", ErrInvalidRange)
	}
	return r, nil
}
