package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLocation(t *testing.T) {
	defer SetLocation("Asia/Shanghai")

	require.NoError(t, SetLocation("UTC"))
	assert.Equal(t, "UTC", GlobalLocation.String())

	assert.Error(t, SetLocation("Mars/Olympus"))
	assert.Equal(t, "UTC", GlobalLocation.String())
}

func TestFormatMillis(t *testing.T) {
	defer SetLocation("Asia/Shanghai")
	require.NoError(t, SetLocation("Asia/Shanghai"))

	ms := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, "2024-01-01 08:00", FormatMillis(ms, "2006-01-02 15:04"))
	assert.True(t, ToConfiguredTimezone(time.Time{}).IsZero())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-01 08:00 至 2024-01-02 08:00", FormatRange(start, start.Add(24*time.Hour)))
}
