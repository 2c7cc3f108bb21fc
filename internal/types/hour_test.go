package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateHour(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.NoError(t, ValidateHour(t0))
	assert.NoError(t, ValidateHour(t0.In(time.FixedZone("UTC+8", 8*3600))))

	for _, bad := range []time.Time{
		{},
		t0.Add(time.Minute),
		t0.Add(time.Second),
		t0.Add(time.Nanosecond),
	} {
		assert.ErrorIs(t, ValidateHour(bad), ErrInvalidSettlementTime, bad.String())
	}
}

func TestHourKeyRoundTrip(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, HourFromKey(HourKey(t0)).Equal(t0))
	assert.Equal(t, t0, TruncateHour(t0.Add(59*time.Minute)))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("hour 3: %w", ErrNoRatioConfigured)))
	assert.True(t, IsRetryable(ErrValuationUnavailable))
	assert.True(t, IsRetryable(ErrSettlementGap))
	assert.False(t, IsRetryable(ErrDuplicateSnapshot))
	assert.False(t, IsRetryable(ErrInvalidSettlementTime))
	assert.False(t, IsRetryable(errors.New("disk full")))
}

func TestParseHourRange(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		want     HourRange
		wantErr  bool
	}{
		{"open", "", "", HourRange{}, false},
		{"from only", "3600", "", HourRange{From: 3600}, false},
		{"both", "3600", "7200", HourRange{From: 3600, To: 7200}, false},
		{"not a number", "yesterday", "", HourRange{}, true},
		{"negative", "", "-1", HourRange{}, true},
		{"empty window", "7200", "7200", HourRange{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHourRange(tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
				assert.True(t, IsValidation(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
