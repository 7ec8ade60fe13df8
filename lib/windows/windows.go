// Package windows implements the time-window quantization used by the
// incremental backup path. A window is the half-open interval
// [start, start+h) aligned to multiples of h hours on the UTC hour axis.
package windows

import (
	"time"

	"github.com/gravitational/trace"
)

// labelFormat is the canonical window label, minute always zero.
const labelFormat = "20060102T1504Z"

// runIDFormat identifies a single handler invocation.
const runIDFormat = "20060102-150405"

// Start quantizes an event time down to the start of its window. The result
// is in UTC, its hour a multiple of hours, with minute and smaller units
// zeroed. The date never changes: windows do not cross day boundaries
// because valid window lengths divide 24.
func Start(eventTime time.Time, hours int) time.Time {
	t := eventTime.UTC()
	h := (t.Hour() / hours) * hours
	return time.Date(t.Year(), t.Month(), t.Day(), h, 0, 0, 0, time.UTC)
}

// Label formats a window start as the canonical YYYYMMDDTHHMMZ label.
func Label(windowStart time.Time) string {
	return windowStart.UTC().Format(labelFormat)
}

// ParseLabel parses a canonical window label back into its UTC start time.
func ParseLabel(label string) (time.Time, error) {
	t, err := time.ParseInLocation(labelFormat, label, time.UTC)
	if err != nil {
		return time.Time{}, trace.BadParameter("invalid window label %q: %v", label, err)
	}
	return t, nil
}

// RunID formats an invocation timestamp as YYYYMMDD-HHMMSS UTC. It is used
// in manifest names and reports paths to tell runs apart.
func RunID(now time.Time) string {
	return now.UTC().Format(runIDFormat)
}
