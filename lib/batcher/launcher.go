package batcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/awsutils"
	"github.com/ecastell92/bucketbackup/lib/manifest"
	"github.com/ecastell92/bucketbackup/lib/paths"
	"github.com/ecastell92/bucketbackup/lib/tiers"
	"github.com/ecastell92/bucketbackup/lib/windows"
)

// LauncherS3Client is the subset of the S3 API the launcher uses to promote
// manifests.
type LauncherS3Client interface {
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// LauncherConfig configures a Launcher.
type LauncherConfig struct {
	// CentralBucket is the bucket holding manifests and backup data.
	CentralBucket string
	// Initiative partitions the central bucket between deployments.
	Initiative string
	// S3 is the S3 client for the central bucket.
	S3 LauncherS3Client
	// Submitter creates the batch-copy jobs.
	Submitter *Submitter
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *LauncherConfig) CheckAndSetDefaults() error {
	if c.CentralBucket == "" {
		return trace.BadParameter("missing parameter CentralBucket")
	}
	if c.Initiative == "" {
		return trace.BadParameter("missing parameter Initiative")
	}
	if c.S3 == nil {
		return trace.BadParameter("missing parameter S3")
	}
	if c.Submitter == nil {
		return trace.BadParameter("missing parameter Submitter")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentLauncher)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// LaunchRequest asks for one batch-copy job over a finalized manifest.
type LaunchRequest struct {
	// ManifestKey is where the manifest currently sits, usually under the
	// transient area.
	ManifestKey string
	// Source is the source bucket the manifest covers.
	Source string
	// Mode is the backup mode of the run.
	Mode paths.Mode
	// Generation is the retention generation of the run.
	Generation tiers.Generation
	// Tier is the criticality of the source.
	Tier tiers.Tier
	// RunID is the run the manifest belongs to; derived from the clock when
	// empty.
	RunID string
	// WindowLabel pins the hour partition and the job idempotency token. A
	// workflow retry must pass the label of its first attempt so a resubmit
	// across an hour boundary dedupes to the same job; empty derives the
	// label from the current hour.
	WindowLabel string
}

func (r *LaunchRequest) check() error {
	if r.ManifestKey == "" {
		return trace.BadParameter("missing parameter ManifestKey")
	}
	if r.Source == "" {
		return trace.BadParameter("missing parameter Source")
	}
	mode, err := paths.ParseMode(string(r.Mode))
	if err != nil {
		return trace.Wrap(err)
	}
	r.Mode = mode
	gen, err := tiers.ParseGeneration(string(r.Generation))
	if err != nil {
		return trace.Wrap(err)
	}
	r.Generation = gen
	tier, err := tiers.Parse(string(r.Tier))
	if err != nil {
		return trace.Wrap(err)
	}
	r.Tier = tier
	if r.WindowLabel != "" {
		if _, err := windows.ParseLabel(r.WindowLabel); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// LaunchResult describes a launched job.
type LaunchResult struct {
	// JobID is the id of the created batch-copy job.
	JobID string `json:"job_id"`
	// ManifestKey is the canonical manifest location after promotion.
	ManifestKey string `json:"manifest_key"`
	// DataPrefix is where the job copies objects to.
	DataPrefix string `json:"data_prefix"`
}

// Launcher promotes sweep manifests to their canonical location and turns
// them into batch-copy jobs.
type Launcher struct {
	cfg LauncherConfig
}

// NewLauncher returns a Launcher.
func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Launcher{cfg: cfg}, nil
}

// Launch promotes the manifest out of the transient area, then submits the
// copy job against the promoted object. Promotion is copy, verify, delete:
// the temporary object is removed only after the canonical copy is
// confirmed readable, so a crash mid-promotion leaves a retryable state,
// never a lost manifest.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	if err := req.check(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := l.cfg.Clock.Now().UTC()
	if req.RunID == "" {
		req.RunID = windows.RunID(now)
	}
	partition := now.Truncate(time.Hour)
	if req.WindowLabel == "" {
		req.WindowLabel = windows.Label(partition)
	} else {
		start, err := windows.ParseLabel(req.WindowLabel)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		partition = start
	}

	canonicalKey := req.ManifestKey
	if paths.IsTempManifestKey(req.ManifestKey) {
		canonicalKey = fmt.Sprintf("%s/manifest-%s.csv",
			paths.SweepManifestPrefix(req.Tier, req.Mode, l.cfg.Initiative, req.Source, partition), req.RunID)
		if err := l.promote(ctx, req.ManifestKey, canonicalKey); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	etag, err := manifest.VerifyETag(ctx, l.cfg.S3, l.cfg.CentralBucket, canonicalKey, "", l.cfg.Clock, l.cfg.Logger)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	dataPrefix := paths.RunDataPrefix(req.Tier, req.Mode, req.Generation, l.cfg.Initiative, req.Source, partition, req.RunID)
	jobID, err := l.cfg.Submitter.Submit(ctx, JobRequest{
		ManifestBucket: l.cfg.CentralBucket,
		ManifestKey:    canonicalKey,
		ManifestETag:   etag,
		TargetPrefix:   dataPrefix,
		ReportsPrefix:  paths.SweepReportsPrefix(req.Tier, req.Mode, req.Generation, l.cfg.Initiative, req.Source, partition),
		Description:    fmt.Sprintf("%s %s backup of %s (%s)", req.Tier, req.Mode, req.Source, req.RunID),
		ClientToken:    ClientToken(req.Source, req.Mode, req.Generation, req.Tier, req.WindowLabel),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &LaunchResult{
		JobID:       jobID,
		ManifestKey: canonicalKey,
		DataPrefix:  dataPrefix,
	}, nil
}

// promote moves a manifest from the transient area to its canonical key.
func (l *Launcher) promote(ctx context.Context, from, to string) error {
	_, err := l.cfg.S3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(l.cfg.CentralBucket),
		Key:        aws.String(to),
		CopySource: aws.String(l.cfg.CentralBucket + "/" + from),
	})
	if err != nil {
		return trace.Wrap(awsutils.ConvertS3Error(err), "promoting manifest %v", from)
	}
	if _, err := l.cfg.S3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.cfg.CentralBucket),
		Key:    aws.String(to),
	}); err != nil {
		return trace.Wrap(awsutils.ConvertS3Error(err), "verifying promoted manifest %v", to)
	}
	if _, err := l.cfg.S3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(l.cfg.CentralBucket),
		Key:    aws.String(from),
	}); err != nil {
		// The canonical copy is in place, a dangling temp object is
		// harmless and cleaned up by lifecycle rules.
		l.cfg.Logger.WarnContext(ctx, "Failed to delete temporary manifest after promotion",
			"key", from, "error", err)
	}
	l.cfg.Logger.InfoContext(ctx, "Promoted manifest", "from", from, "to", to)
	return nil
}
