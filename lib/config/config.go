// Package config loads engine settings from the environment. All handlers
// share one Settings value; components receive only the fields they need
// through their own Config structs.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// Settings is the full environment-driven configuration of the engine.
type Settings struct {
	// CentralBucket is the sink bucket where backups, manifests,
	// inventories, reports and checkpoints live. Required.
	CentralBucket string
	// CentralAccountID overrides the account id of the central bucket.
	// Empty means resolve it through STS at startup.
	CentralAccountID string
	// QueueARN is the SQS queue the discovery reconciler points source
	// bucket notifications at.
	QueueARN string
	// QueueURL is the same queue in URL form, used by the consumer.
	QueueURL string
	// BackupBucketARN is the ARN form of the central bucket, passed to
	// batch-copy jobs.
	BackupBucketARN string
	// BatchRoleARN is the IAM role batch-copy jobs run under.
	BatchRoleARN string
	// AccountID is the account batch-copy jobs are created in.
	AccountID string
	// Initiative is the initiative= path segment shared by all keys.
	Initiative string
	// IncrementalGeneration is the retention generation assigned to
	// incremental backups.
	IncrementalGeneration tiers.Generation
	// Policy holds the per-tier window, inventory frequency and
	// notification policy.
	Policy tiers.Policy
	// AllowedPrefixes restricts backed up keys per tier. An absent or
	// empty list means no restriction for that tier.
	AllowedPrefixes map[tiers.Tier][]string
	// ExcludePrefixes drops keys that start with, or contain as a path
	// segment, any listed prefix.
	ExcludePrefixes []string
	// ExcludeSuffixes drops keys ending in any listed suffix.
	ExcludeSuffixes []string
	// ForceFullOnFirstRun escalates an incremental sweep to a full sweep
	// when no checkpoint exists yet.
	ForceFullOnFirstRun bool
	// FallbackMaxObjects caps the sweep fallback listing. Zero disables
	// the cap.
	FallbackMaxObjects int
	// FallbackTimeLimit caps the sweep fallback wall time. Zero disables
	// the cap.
	FallbackTimeLimit time.Duration
	// DisableWindowCheckpoint turns off window-level idempotence. Only
	// for tests.
	DisableWindowCheckpoint bool
}

// FromEnv reads Settings from the process environment.
func FromEnv() (*Settings, error) {
	s := &Settings{
		CentralBucket:    os.Getenv("CENTRAL_BACKUP_BUCKET"),
		CentralAccountID: os.Getenv("CENTRAL_ACCOUNT_ID"),
		QueueARN:         os.Getenv("SQS_QUEUE_ARN"),
		QueueURL:         os.Getenv("SQS_QUEUE_URL"),
		BackupBucketARN:  os.Getenv("BACKUP_BUCKET_ARN"),
		BatchRoleARN:     os.Getenv("BATCH_ROLE_ARN"),
		AccountID:        os.Getenv("ACCOUNT_ID"),
		Initiative:       firstNonEmpty(os.Getenv("INITIATIVE"), os.Getenv("INICIATIVA"), "backup"),
	}
	if s.CentralBucket == "" {
		return nil, trace.BadParameter("CENTRAL_BACKUP_BUCKET is required")
	}
	if s.BackupBucketARN == "" {
		s.BackupBucketARN = "arn:aws:s3:::" + s.CentralBucket
	}

	gen, err := tiers.ParseGeneration(os.Getenv("GENERATION_INCREMENTAL"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.IncrementalGeneration = gen

	s.Policy = tiers.DefaultPolicy()
	for _, t := range tiers.Tiers {
		envKey := "BACKUP_FREQUENCY_HOURS_" + strings.ToUpper(string(t))
		v, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" || v == "0" {
			delete(s.Policy.WindowHours, t)
			continue
		}
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 0 {
			return nil, trace.BadParameter("%s: invalid hours value %q", envKey, v)
		}
		if 24%hours != 0 {
			return nil, trace.BadParameter("%s: window hours must divide 24, got %d", envKey, hours)
		}
		s.Policy.WindowHours[t] = hours
	}
	for _, t := range tiers.Tiers {
		envKey := "INVENTORY_FREQUENCY_" + strings.ToUpper(string(t))
		switch v := strings.TrimSpace(os.Getenv(envKey)); v {
		case "":
		case string(tiers.Daily):
			s.Policy.Frequency[t] = tiers.Daily
		case string(tiers.Weekly):
			s.Policy.Frequency[t] = tiers.Weekly
		default:
			return nil, trace.BadParameter("%s: must be Daily or Weekly, got %q", envKey, v)
		}
	}
	if v, ok := os.LookupEnv("CRITICALITIES_WITH_NOTIFICATIONS"); ok {
		notify := make(map[tiers.Tier]bool)
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := tiers.Parse(part)
			if err != nil {
				return nil, trace.Wrap(err, "CRITICALITIES_WITH_NOTIFICATIONS")
			}
			notify[t] = true
		}
		if notify[tiers.NonCritical] {
			return nil, trace.BadParameter("CRITICALITIES_WITH_NOTIFICATIONS: NonCritical never receives notifications")
		}
		s.Policy.Notify = notify
	}

	s.AllowedPrefixes = parseTierPrefixes(os.Getenv("ALLOWED_PREFIXES"))
	s.ExcludePrefixes = parseList(os.Getenv("EXCLUDE_KEY_PREFIXES"))
	s.ExcludeSuffixes = parseList(os.Getenv("EXCLUDE_KEY_SUFFIXES"))
	s.ForceFullOnFirstRun = parseBool(os.Getenv("FORCE_FULL_ON_FIRST_RUN"))
	s.DisableWindowCheckpoint = parseBool(os.Getenv("DISABLE_WINDOW_CHECKPOINT"))

	if v := strings.TrimSpace(os.Getenv("FALLBACK_MAX_OBJECTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, trace.BadParameter("FALLBACK_MAX_OBJECTS: invalid value %q", v)
		}
		s.FallbackMaxObjects = n
	}
	if v := strings.TrimSpace(os.Getenv("FALLBACK_TIME_LIMIT_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, trace.BadParameter("FALLBACK_TIME_LIMIT_SECONDS: invalid value %q", v)
		}
		s.FallbackTimeLimit = time.Duration(n) * time.Second
	}

	return s, nil
}

// parseTierPrefixes decodes a JSON map of tier to prefix list. Malformed
// input degrades to no restriction, matching how the original deployment
// treated it, rather than blocking every backup on a config typo.
func parseTierPrefixes(raw string) map[tiers.Tier][]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var decoded map[string][]string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		slog.Warn("Ignoring malformed ALLOWED_PREFIXES", "error", err)
		return nil
	}
	out := make(map[tiers.Tier][]string, len(decoded))
	for name, prefixes := range decoded {
		t, err := tiers.Parse(name)
		if err != nil {
			slog.Warn("Ignoring unknown tier in ALLOWED_PREFIXES", "tier", name)
			continue
		}
		out[t] = prefixes
	}
	return out
}

// parseList accepts a JSON array or a comma-separated string.
func parseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var decoded []string
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			return decoded
		}
		slog.Warn("List value looks like JSON but does not parse, falling back to comma split", "value", raw)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
