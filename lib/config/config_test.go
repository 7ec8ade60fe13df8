package config

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/ecastell92/bucketbackup/lib/tiers"
)

func TestFromEnvMinimal(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")

	s, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "central-backups", s.CentralBucket)
	require.Equal(t, "arn:aws:s3:::central-backups", s.BackupBucketARN)
	require.Equal(t, "backup", s.Initiative)
	require.Equal(t, tiers.Son, s.IncrementalGeneration)

	hours, ok := s.Policy.WindowHoursFor(tiers.Critical)
	require.True(t, ok)
	require.Equal(t, 12, hours)
}

func TestFromEnvMissingBucket(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "")
	_, err := FromEnv()
	require.True(t, trace.IsBadParameter(err))
}

func TestFromEnvWindowHours(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")
	t.Setenv("BACKUP_FREQUENCY_HOURS_CRITICAL", "6")
	t.Setenv("BACKUP_FREQUENCY_HOURS_LESSCRITICAL", "0")

	s, err := FromEnv()
	require.NoError(t, err)

	hours, ok := s.Policy.WindowHoursFor(tiers.Critical)
	require.True(t, ok)
	require.Equal(t, 6, hours)

	_, ok = s.Policy.WindowHoursFor(tiers.LessCritical)
	require.False(t, ok)
}

func TestFromEnvWindowHoursMustDivideDay(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")
	t.Setenv("BACKUP_FREQUENCY_HOURS_CRITICAL", "7")
	_, err := FromEnv()
	require.True(t, trace.IsBadParameter(err))
}

func TestFromEnvInventoryFrequency(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")
	t.Setenv("INVENTORY_FREQUENCY_CRITICAL", "Weekly")

	s, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, tiers.Weekly, s.Policy.FrequencyFor(tiers.Critical))

	t.Setenv("INVENTORY_FREQUENCY_CRITICAL", "Hourly")
	_, err = FromEnv()
	require.True(t, trace.IsBadParameter(err))
}

func TestFromEnvNotifications(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")
	t.Setenv("CRITICALITIES_WITH_NOTIFICATIONS", "Critical")

	s, err := FromEnv()
	require.NoError(t, err)
	require.True(t, s.Policy.NotifyFor(tiers.Critical))
	require.False(t, s.Policy.NotifyFor(tiers.LessCritical))

	t.Setenv("CRITICALITIES_WITH_NOTIFICATIONS", "Critical,NonCritical")
	_, err = FromEnv()
	require.True(t, trace.IsBadParameter(err))
}

func TestFromEnvPrefixLists(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")
	t.Setenv("ALLOWED_PREFIXES", `{"Critical": ["data/", "logs/"]}`)
	t.Setenv("EXCLUDE_KEY_PREFIXES", `["tmp", "scratch"]`)
	t.Setenv("EXCLUDE_KEY_SUFFIXES", ".tmp, .swp")

	s, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, []string{"data/", "logs/"}, s.AllowedPrefixes[tiers.Critical])
	require.Equal(t, []string{"tmp", "scratch"}, s.ExcludePrefixes)
	require.Equal(t, []string{".tmp", ".swp"}, s.ExcludeSuffixes)
}

func TestFromEnvMalformedAllowedPrefixesDegrades(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")
	t.Setenv("ALLOWED_PREFIXES", "{not json")

	s, err := FromEnv()
	require.NoError(t, err)
	require.Empty(t, s.AllowedPrefixes)
}

func TestFromEnvFallbackCaps(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")
	t.Setenv("FORCE_FULL_ON_FIRST_RUN", "true")
	t.Setenv("FALLBACK_MAX_OBJECTS", "5000")
	t.Setenv("FALLBACK_TIME_LIMIT_SECONDS", "600")

	s, err := FromEnv()
	require.NoError(t, err)
	require.True(t, s.ForceFullOnFirstRun)
	require.Equal(t, 5000, s.FallbackMaxObjects)
	require.Equal(t, 10*time.Minute, s.FallbackTimeLimit)
}

func TestFromEnvGeneration(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")
	t.Setenv("GENERATION_INCREMENTAL", "father")

	s, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, tiers.Father, s.IncrementalGeneration)

	t.Setenv("GENERATION_INCREMENTAL", "cousin")
	_, err = FromEnv()
	require.True(t, trace.IsBadParameter(err))
}

func TestFromEnvInitiativeAliases(t *testing.T) {
	t.Setenv("CENTRAL_BACKUP_BUCKET", "central-backups")
	t.Setenv("INICIATIVA", "payments")

	s, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "payments", s.Initiative)

	t.Setenv("INITIATIVE", "core")
	s, err = FromEnv()
	require.NoError(t, err)
	require.Equal(t, "core", s.Initiative)
}
