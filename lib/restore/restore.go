// Package restore copies backed up objects from the central bucket back to
// their source bucket, driven by the manifests the backup paths produced.
package restore

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/awsutils"
	"github.com/ecastell92/bucketbackup/lib/defaults"
	"github.com/ecastell92/bucketbackup/lib/paths"
	"github.com/ecastell92/bucketbackup/lib/tiers"
	"github.com/ecastell92/bucketbackup/lib/windows"
)

// Run statuses reported by the resolver.
const (
	// StatusDryRun means objects were counted but nothing was copied.
	StatusDryRun = "DRY_RUN"
	// StatusCompleted means the restore copies were performed.
	StatusCompleted = "RESTORE_COMPLETED"
)

// S3Client is the subset of the S3 API the resolver uses.
type S3Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// Config configures a Resolver.
type Config struct {
	// CentralBucket holds the backups.
	CentralBucket string
	// Initiative partitions the central bucket between deployments.
	Initiative string
	// S3 must reach both the central bucket and the restore target.
	S3 S3Client
	// Logger is an optional structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.CentralBucket == "" {
		return trace.BadParameter("missing parameter CentralBucket")
	}
	if c.Initiative == "" {
		return trace.BadParameter("missing parameter Initiative")
	}
	if c.S3 == nil {
		return trace.BadParameter("missing parameter S3")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentRestore)
	}
	return nil
}

// Request selects a recovery point and what to restore from it.
type Request struct {
	// Source is the bucket to restore into, and whose rows the manifest is
	// filtered to.
	Source string
	// Tier, Mode and Generation select the backup dataset.
	Tier       tiers.Tier
	Mode       paths.Mode
	Generation tiers.Generation
	// WindowLabel pins the recovery point; empty means the latest manifest
	// available for the dataset.
	WindowLabel string
	// Year, Month, Day and Hour select the recovery window as a calendar
	// partition, as an alternative to WindowLabel. Hour zero means the
	// start of the day.
	Year, Month, Day, Hour int
	// Prefix, when set, restores only keys underneath it.
	Prefix string
	// MaxObjects caps the restore; zero applies the default cap.
	MaxObjects int
	// DryRun counts what would be restored without copying.
	DryRun bool
}

// Result is the outcome of a restore run.
type Result struct {
	Status      string `json:"status"`
	ManifestKey string `json:"manifest_key"`
	DataPrefix  string `json:"data_prefix"`
	Restored    int    `json:"restored_count"`
	Skipped     int    `json:"skipped"`
	Errors      int    `json:"errors"`
}

// Resolver restores objects from the central bucket.
type Resolver struct {
	cfg Config
}

// New returns a Resolver.
func New(cfg Config) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg}, nil
}

// Run resolves the manifest and data prefix for the requested recovery
// point and walks the manifest, copying each qualifying object back to the
// source bucket. Individual copy failures are counted, not fatal.
func (r *Resolver) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Source == "" {
		return nil, trace.BadParameter("missing parameter Source")
	}
	tier, err := tiers.Parse(string(req.Tier))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	mode, err := paths.ParseMode(string(req.Mode))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gen, err := tiers.ParseGeneration(string(req.Generation))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.MaxObjects <= 0 {
		req.MaxObjects = defaults.RestoreMaxObjects
	}
	windowLabel, err := resolveWindowSelector(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	manifestKey, windowStart, err := r.resolveManifest(ctx, req.Source, tier, mode, windowLabel)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dataPrefix, err := r.latestDataPrefix(ctx, paths.DataRoot(tier, mode, gen, r.cfg.Initiative, req.Source, windowStart))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.cfg.Logger.InfoContext(ctx, "Resolved recovery point",
		"manifest", manifestKey, "data_prefix", dataPrefix, "dry_run", req.DryRun)

	result := &Result{
		Status:      StatusCompleted,
		ManifestKey: manifestKey,
		DataPrefix:  dataPrefix,
	}
	if req.DryRun {
		result.Status = StatusDryRun
	}
	if err := r.walkManifest(ctx, manifestKey, req, result); err != nil {
		return nil, trace.Wrap(err)
	}
	r.cfg.Logger.InfoContext(ctx, "Restore finished",
		"status", result.Status, "restored", result.Restored,
		"skipped", result.Skipped, "errors", result.Errors)
	return result, nil
}

// resolveWindowSelector reduces the request's recovery point selectors to a
// window label: the label itself, or the hour of the calendar partition.
// Empty means the latest recovery point.
func resolveWindowSelector(req Request) (string, error) {
	if req.Year == 0 && req.Month == 0 && req.Day == 0 && req.Hour == 0 {
		return req.WindowLabel, nil
	}
	if req.WindowLabel != "" {
		return "", trace.BadParameter("window label and calendar partition are mutually exclusive")
	}
	if req.Year == 0 || req.Month == 0 || req.Day == 0 {
		return "", trace.BadParameter("calendar partition needs year, month and day")
	}
	start := time.Date(req.Year, time.Month(req.Month), req.Day, req.Hour, 0, 0, 0, time.UTC)
	if start.Year() != req.Year || start.Month() != time.Month(req.Month) ||
		start.Day() != req.Day || start.Hour() != req.Hour {
		return "", trace.BadParameter("invalid calendar partition %04d-%02d-%02d hour %02d",
			req.Year, req.Month, req.Day, req.Hour)
	}
	return windows.Label(start), nil
}

// resolveManifest finds the manifest of the recovery point and the window
// start its data partition is derived from.
func (r *Resolver) resolveManifest(ctx context.Context, source string, tier tiers.Tier, mode paths.Mode, windowLabel string) (string, time.Time, error) {
	if windowLabel != "" {
		start, err := windows.ParseLabel(windowLabel)
		if err != nil {
			return "", time.Time{}, trace.Wrap(err)
		}
		prefix := paths.WindowManifestPrefix(tier, mode, r.cfg.Initiative, source, windowLabel)
		key, err := r.latestManifest(ctx, prefix)
		if err != nil {
			return "", time.Time{}, trace.Wrap(err)
		}
		return key, start, nil
	}

	key, err := r.latestManifest(ctx, paths.ManifestRoot(tier, mode, r.cfg.Initiative, source))
	if err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	label := paths.WindowFromKey(key)
	if label == "" {
		// Sweep manifests carry no window segment; fall back to the
		// manifest's own modification time.
		head, err := r.cfg.S3.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(r.cfg.CentralBucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return "", time.Time{}, trace.Wrap(awsutils.ConvertS3Error(err), "reading manifest metadata %v", key)
		}
		return key, aws.ToTime(head.LastModified).UTC().Truncate(time.Hour), nil
	}
	start, err := windows.ParseLabel(label)
	if err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	return key, start, nil
}

// latestManifest returns the most recently written .csv under the prefix.
func (r *Resolver) latestManifest(ctx context.Context, prefix string) (string, error) {
	var latestKey string
	var latestTime time.Time
	var token *string
	for i := 0; i < defaults.MaxIterationLimit; i++ {
		out, err := r.cfg.S3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(r.cfg.CentralBucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return "", trace.Wrap(awsutils.ConvertS3Error(err), "listing manifests under %v", prefix)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".csv") {
				continue
			}
			if modified := aws.ToTime(obj.LastModified); latestKey == "" || modified.After(latestTime) {
				latestKey, latestTime = key, modified
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	if latestKey == "" {
		return "", trace.NotFound("no manifest under %v, check source, tier, mode and window", prefix)
	}
	return latestKey, nil
}

// latestDataPrefix picks the chronologically newest leaf under the data
// partition. Window and run leaves share one string ordering.
func (r *Resolver) latestDataPrefix(ctx context.Context, base string) (string, error) {
	var latest, latestToken string
	var token *string
	for i := 0; i < defaults.MaxIterationLimit; i++ {
		out, err := r.cfg.S3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(r.cfg.CentralBucket),
			Prefix:            aws.String(base),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return "", trace.Wrap(awsutils.ConvertS3Error(err), "listing data prefixes under %v", base)
		}
		for _, cp := range out.CommonPrefixes {
			prefix := aws.ToString(cp.Prefix)
			if t := paths.LeafToken(prefix); t != "" && t > latestToken {
				latest, latestToken = prefix, t
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	if latest == "" {
		return "", trace.NotFound("no backup data under %v", base)
	}
	return latest, nil
}

// walkManifest streams the manifest rows, copying or counting each one.
func (r *Resolver) walkManifest(ctx context.Context, manifestKey string, req Request, result *Result) error {
	obj, err := r.cfg.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.CentralBucket),
		Key:    aws.String(manifestKey),
	})
	if err != nil {
		return trace.Wrap(awsutils.ConvertS3Error(err), "reading manifest %v", manifestKey)
	}
	defer obj.Body.Close()

	reader := csv.NewReader(obj.Body)
	reader.FieldsPerRecord = -1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.BadParameter("malformed manifest %v: %v", manifestKey, err)
		}
		if len(row) < 2 {
			result.Skipped++
			continue
		}
		bucket, key := row[0], row[1]
		if bucket != req.Source {
			result.Skipped++
			continue
		}
		if req.Prefix != "" && !strings.HasPrefix(key, req.Prefix) {
			result.Skipped++
			continue
		}

		if !req.DryRun {
			if err := r.copyBack(ctx, result.DataPrefix+key, req.Source, key); err != nil {
				r.cfg.Logger.ErrorContext(ctx, "Failed to restore object",
					"key", key, "error", err)
				result.Errors++
				continue
			}
		}
		result.Restored++
		if result.Restored >= req.MaxObjects {
			r.cfg.Logger.InfoContext(ctx, "Restore reached object cap", "max_objects", req.MaxObjects)
			return nil
		}
	}
}

func (r *Resolver) copyBack(ctx context.Context, srcKey, targetBucket, targetKey string) error {
	_, err := r.cfg.S3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String(targetBucket),
		Key:                  aws.String(targetKey),
		CopySource:           aws.String(r.cfg.CentralBucket + "/" + srcKey),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	return trace.Wrap(awsutils.ConvertS3Error(err))
}
