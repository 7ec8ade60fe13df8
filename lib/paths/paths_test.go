package paths

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/ecastell92/bucketbackup/lib/tiers"
)

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("full")
	require.NoError(t, err)
	require.Equal(t, ModeFull, mode)

	mode, err = ParseMode("incremental")
	require.NoError(t, err)
	require.Equal(t, ModeIncremental, mode)

	_, err = ParseMode("differential")
	require.True(t, trace.IsBadParameter(err))
}

func TestManifestKeys(t *testing.T) {
	require.Equal(t,
		"manifests/temp/dev-raw-abc123.csv",
		TempManifestKey("dev-raw", "abc123"))
	require.True(t, IsTempManifestKey("manifests/temp/dev-raw-abc123.csv"))
	require.False(t, IsTempManifestKey("manifests/criticality=Critical/x.csv"))

	require.Equal(t,
		"manifests/criticality=Critical/backup_type=incremental/initiative=backup/bucket=dev-raw/window=20251020T1200Z/manifest-20251020-123456.csv",
		IncrementalManifestKey(tiers.Critical, "backup", "dev-raw", "20251020T1200Z", "20251020-123456"))

	require.Equal(t,
		"manifests/criticality=Critical/backup_type=incremental/initiative=backup/bucket=dev-raw/",
		ManifestRoot(tiers.Critical, ModeIncremental, "backup", "dev-raw"))

	require.Equal(t,
		ManifestRoot(tiers.Critical, ModeIncremental, "backup", "dev-raw")+"window=20251020T1200Z/",
		WindowManifestPrefix(tiers.Critical, ModeIncremental, "backup", "dev-raw", "20251020T1200Z"))
}

func TestDataPrefixes(t *testing.T) {
	at := time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC)

	require.Equal(t,
		"backup/criticality=Critical/backup_type=incremental/generation=son/initiative=backup/bucket=dev-raw/year=2025/month=10/day=20/hour=12/",
		DataRoot(tiers.Critical, ModeIncremental, tiers.Son, "backup", "dev-raw", at))

	require.Equal(t,
		DataRoot(tiers.Critical, ModeIncremental, tiers.Son, "backup", "dev-raw", at)+"window=20251020T1200Z",
		WindowDataPrefix(tiers.Critical, tiers.Son, "backup", "dev-raw", at, "20251020T1200Z"))

	require.Equal(t,
		DataRoot(tiers.LessCritical, ModeFull, tiers.Father, "backup", "dev-raw", at)+"timestamp=20251020-123456",
		RunDataPrefix(tiers.LessCritical, ModeFull, tiers.Father, "backup", "dev-raw", at, "20251020-123456"))
}

func TestCheckpointKeys(t *testing.T) {
	require.Equal(t, "checkpoints/dev-raw/incremental.txt", SweepCheckpointKey("dev-raw", ModeIncremental))
	require.Equal(t, "checkpoints/dev-raw/full.txt", SweepCheckpointKey("dev-raw", ModeFull))
	require.Equal(t,
		"checkpoints/incremental/dev-raw/Critical/20251020T1200Z.marker",
		WindowMarkerKey("dev-raw", tiers.Critical, "20251020T1200Z"))
}

func TestInventoryPrefix(t *testing.T) {
	require.Equal(t, "inventory-source/dev-raw/AutoBackupInventory/", InventoryPrefix("dev-raw"))
}

func TestWindowFromKey(t *testing.T) {
	key := IncrementalManifestKey(tiers.Critical, "backup", "dev-raw", "20251020T1200Z", "20251020-123456")
	require.Equal(t, "20251020T1200Z", WindowFromKey(key))
	require.Empty(t, WindowFromKey("manifests/temp/dev-raw-abc.csv"))
}

func TestLeafToken(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{
			name:   "window leaf",
			prefix: "backup/bucket=dev-raw/hour=12/window=20251020T1200Z/",
			want:   "20251020T1200Z",
		},
		{
			name:   "timestamp leaf",
			prefix: "backup/bucket=dev-raw/hour=12/timestamp=20251020-123456/",
			want:   "20251020-123456",
		},
		{
			name:   "no trailing slash",
			prefix: "backup/bucket=dev-raw/hour=12/timestamp=20251020-123456",
			want:   "20251020-123456",
		},
		{
			name:   "plain segment",
			prefix: "backup/bucket=dev-raw/hour=12/",
			want:   "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, LeafToken(tc.prefix))
		})
	}
}
