package windows

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestStart(t *testing.T) {
	tests := []struct {
		name  string
		event time.Time
		hours int
		want  time.Time
	}{
		{
			name:  "12h window morning",
			event: time.Date(2025, 10, 20, 9, 30, 12, 0, time.UTC),
			hours: 12,
			want:  time.Date(2025, 10, 20, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "12h window afternoon",
			event: time.Date(2025, 10, 20, 14, 5, 0, 0, time.UTC),
			hours: 12,
			want:  time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "24h window",
			event: time.Date(2025, 10, 20, 23, 59, 59, 0, time.UTC),
			hours: 24,
			want:  time.Date(2025, 10, 20, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "6h window",
			event: time.Date(2025, 10, 20, 17, 0, 0, 0, time.UTC),
			hours: 6,
			want:  time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "non-UTC input is normalized",
			event: time.Date(2025, 10, 20, 1, 30, 0, 0, time.FixedZone("CEST", 2*3600)),
			hours: 12,
			want:  time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "boundary instant maps to its own window",
			event: time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC),
			hours: 12,
			want:  time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Start(tc.event, tc.hours))
		})
	}
}

func TestLabelRoundTrip(t *testing.T) {
	start := time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC)
	label := Label(start)
	require.Equal(t, "20251020T1200Z", label)

	parsed, err := ParseLabel(label)
	require.NoError(t, err)
	require.Equal(t, start, parsed)

	_, err = ParseLabel("2025-10-20T12:00Z")
	require.True(t, trace.IsBadParameter(err))
}

func TestRunID(t *testing.T) {
	now := time.Date(2025, 10, 20, 12, 34, 56, 0, time.UTC)
	require.Equal(t, "20251020-123456", RunID(now))
}

func TestRunIDOrdersChronologically(t *testing.T) {
	earlier := RunID(time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC))
	later := RunID(time.Date(2025, 10, 20, 12, 0, 1, 0, time.UTC))
	require.Less(t, earlier, later)
}
