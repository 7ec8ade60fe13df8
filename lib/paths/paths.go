// Package paths implements the key grammar of the central backup bucket.
// Every component derives its S3 keys through this package so the layout
// stays consistent between producers (aggregator, sweep planner, launcher)
// and consumers (restore resolver, recovery browser).
package paths

import (
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/ecastell92/bucketbackup/lib/defaults"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// Mode is the backup collection mode, the backup_type= segment of the grammar.
type Mode string

const (
	// ModeFull is a full sweep over a point-in-time inventory.
	ModeFull Mode = "full"
	// ModeIncremental covers both the event-driven window path and
	// checkpoint-delta sweeps.
	ModeIncremental Mode = "incremental"
)

// ParseMode validates a backup mode string.
func ParseMode(s string) (Mode, error) {
	switch s {
	case string(ModeFull):
		return ModeFull, nil
	case string(ModeIncremental):
		return ModeIncremental, nil
	}
	return "", trace.BadParameter("unknown backup mode %q", s)
}

func (m Mode) String() string { return string(m) }

// TempManifestKey is where the sweep planner parks a manifest before the
// launcher promotes it to its canonical location.
func TempManifestKey(sourceBucket, id string) string {
	return fmt.Sprintf("manifests/temp/%s-%s.csv", sourceBucket, id)
}

// IsTempManifestKey reports whether a key lives under the transient
// manifest area.
func IsTempManifestKey(key string) bool {
	return strings.HasPrefix(key, "manifests/temp/")
}

// IncrementalManifestKey is the canonical location of an incremental
// window manifest.
func IncrementalManifestKey(tier tiers.Tier, initiative, sourceBucket, windowLabel, runID string) string {
	return fmt.Sprintf(
		"manifests/criticality=%s/backup_type=incremental/initiative=%s/bucket=%s/window=%s/manifest-%s.csv",
		tier, initiative, sourceBucket, windowLabel, runID)
}

// ManifestRoot is the prefix under which all canonical manifests for one
// (tier, mode, source) live. The restore resolver lists it to find the
// latest recovery point.
func ManifestRoot(tier tiers.Tier, mode Mode, initiative, sourceBucket string) string {
	return fmt.Sprintf("manifests/criticality=%s/backup_type=%s/initiative=%s/bucket=%s/",
		tier, mode, initiative, sourceBucket)
}

// WindowManifestPrefix narrows ManifestRoot to a single window.
func WindowManifestPrefix(tier tiers.Tier, mode Mode, initiative, sourceBucket, windowLabel string) string {
	return ManifestRoot(tier, mode, initiative, sourceBucket) + "window=" + windowLabel + "/"
}

// SweepManifestPrefix is the canonical hour-partitioned prefix for sweep
// manifests promoted by the launcher.
func SweepManifestPrefix(tier tiers.Tier, mode Mode, initiative, sourceBucket string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf(
		"manifests/criticality=%s/backup_type=%s/initiative=%s/bucket=%s/year=%s/month=%s/day=%s/hour=%s",
		tier, mode, initiative, sourceBucket,
		at.Format("2006"), at.Format("01"), at.Format("02"), at.Format("15"))
}

// DataRoot is the hour-partitioned base prefix of backed up object data,
// without the trailing window= or timestamp= leaf.
func DataRoot(tier tiers.Tier, mode Mode, gen tiers.Generation, initiative, sourceBucket string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf(
		"backup/criticality=%s/backup_type=%s/generation=%s/initiative=%s/bucket=%s/year=%s/month=%s/day=%s/hour=%s/",
		tier, mode, gen, initiative, sourceBucket,
		at.Format("2006"), at.Format("01"), at.Format("02"), at.Format("15"))
}

// WindowDataPrefix is the data prefix for an incremental window.
func WindowDataPrefix(tier tiers.Tier, gen tiers.Generation, initiative, sourceBucket string, windowStart time.Time, windowLabel string) string {
	return DataRoot(tier, ModeIncremental, gen, initiative, sourceBucket, windowStart) + "window=" + windowLabel
}

// RunDataPrefix is the data prefix for a sweep run, keyed by run id.
func RunDataPrefix(tier tiers.Tier, mode Mode, gen tiers.Generation, initiative, sourceBucket string, at time.Time, runID string) string {
	return DataRoot(tier, mode, gen, initiative, sourceBucket, at) + "timestamp=" + runID
}

// WindowReportsPrefix is where batch job completion reports for an
// incremental window land.
func WindowReportsPrefix(tier tiers.Tier, initiative, sourceBucket, windowLabel, runID string) string {
	return fmt.Sprintf(
		"reports/criticality=%s/backup_type=incremental/initiative=%s/bucket=%s/window=%s/run=%s",
		tier, initiative, sourceBucket, windowLabel, runID)
}

// SweepReportsPrefix is the hour-partitioned reports prefix for sweep jobs.
func SweepReportsPrefix(tier tiers.Tier, mode Mode, gen tiers.Generation, initiative, sourceBucket string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf(
		"reports/criticality=%s/backup_type=%s/generation=%s/initiative=%s/bucket=%s/year=%s/month=%s/day=%s/hour=%s",
		tier, mode, gen, initiative, sourceBucket,
		at.Format("2006"), at.Format("01"), at.Format("02"), at.Format("15"))
}

// SweepCheckpointKey holds the high-water mark of the last successful sweep
// for a (source, mode) pair.
func SweepCheckpointKey(sourceBucket string, mode Mode) string {
	return fmt.Sprintf("checkpoints/%s/%s.txt", sourceBucket, mode)
}

// WindowMarkerKey marks an incremental window as processed. Existence of
// the object is the marker; the payload is irrelevant.
func WindowMarkerKey(sourceBucket string, tier tiers.Tier, windowLabel string) string {
	return fmt.Sprintf("checkpoints/incremental/%s/%s/%s.marker", sourceBucket, tier, windowLabel)
}

// InventoryPrefix is where the native S3 Inventory for a source bucket is
// delivered inside the central bucket.
func InventoryPrefix(sourceBucket string) string {
	return fmt.Sprintf("%s/%s/%s/", defaults.InventoryPrefix, sourceBucket, defaults.InventoryID)
}

// WindowFromKey extracts the window label embedded in a canonical manifest
// key, or "" when the key carries no window= segment.
func WindowFromKey(key string) string {
	for _, seg := range strings.Split(key, "/") {
		if v, ok := strings.CutPrefix(seg, "window="); ok {
			return v
		}
	}
	return ""
}

// LeafToken extracts the ordering token of a data prefix leaf: the value
// after window= or timestamp= in its final segment. Both token kinds sort
// chronologically as strings.
func LeafToken(prefix string) string {
	trimmed := strings.TrimSuffix(prefix, "/")
	seg := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if v, ok := strings.CutPrefix(seg, "window="); ok {
		return v
	}
	if v, ok := strings.CutPrefix(seg, "timestamp="); ok {
		return v
	}
	return ""
}
