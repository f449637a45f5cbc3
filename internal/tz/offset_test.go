package tz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"00:00", 0},
		{"0:00", 0},
		{"UTC", 0},
		{"+02:00", 2 * time.Hour},
		{"-05:30", -(5*time.Hour + 30*time.Minute)},
		{"04:00", 4 * time.Hour},
		{"+0530", 5*time.Hour + 30*time.Minute},
		{"-3", -3 * time.Hour},
		{"America/Bogota", -5 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOffset(tt.in, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOffset_Invalid(t *testing.T) {
	for _, in := range []string{"abc", "+25:00", "+02:75", "Mars/Olympus"} {
		_, err := ParseOffset(in, time.Now())
		assert.Error(t, err, in)
	}
}

func TestResolve(t *testing.T) {
	now := time.Now()

	assert.Equal(t, 2*time.Hour, Resolve("+02:00", "-05:00", now))
	assert.Equal(t, -5*time.Hour, Resolve("00:00", "-05:00", now))
	assert.Equal(t, -5*time.Hour, Resolve("", "-05:00", now))
	assert.Equal(t, -5*time.Hour, Resolve("garbage", "-05:00", now))
	assert.Equal(t, time.Duration(0), Resolve("", "", now))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "+02:00", Format(2*time.Hour))
	assert.Equal(t, "-05:30", Format(-(5*time.Hour + 30*time.Minute)))
	assert.Equal(t, "+00:00", Format(0))
}

func TestToUTCAndBack(t *testing.T) {
	local := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	utc := ToUTC(local, 2*time.Hour)

	assert.Equal(t, time.Date(2023, 12, 31, 22, 0, 0, 0, time.UTC), utc)
	assert.Equal(t, local, FromUTC(utc, 2*time.Hour))
}
