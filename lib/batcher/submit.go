// Package batcher creates the server-side batch-copy jobs that move
// manifested objects into the central bucket, and promotes temporary
// manifests to their canonical locations.
package batcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3control"
	s3controltypes "github.com/aws/aws-sdk-go-v2/service/s3control/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/defaults"
	"github.com/ecastell92/bucketbackup/lib/manifest"
	"github.com/ecastell92/bucketbackup/lib/paths"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// S3ControlClient is the subset of the S3 Control API the submitter uses.
type S3ControlClient interface {
	CreateJob(ctx context.Context, params *s3control.CreateJobInput, optFns ...func(*s3control.Options)) (*s3control.CreateJobOutput, error)
}

// ClientToken derives the deterministic idempotency token for a batch-copy
// job. The store guarantees at-most-once job creation per token, so a
// retried submission with identical inputs returns the existing job.
func ClientToken(source string, mode paths.Mode, gen tiers.Generation, tier tiers.Tier, windowLabel string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%s", source, mode, gen, tier, windowLabel))
	return hex.EncodeToString(sum[:])
}

// SubmitterConfig configures a Submitter.
type SubmitterConfig struct {
	// AccountID is the account jobs are created in.
	AccountID string
	// RoleARN is the IAM role the job runs under.
	RoleARN string
	// TargetBucketARN is the ARN of the central bucket jobs copy into.
	TargetBucketARN string
	// Client is the S3 Control client.
	Client S3ControlClient
	// Head re-reads manifest metadata on an integrity tag mismatch.
	Head manifest.HeadClient
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *SubmitterConfig) CheckAndSetDefaults() error {
	if c.AccountID == "" {
		return trace.BadParameter("missing parameter AccountID")
	}
	if c.RoleARN == "" {
		return trace.BadParameter("missing parameter RoleARN")
	}
	if c.TargetBucketARN == "" {
		return trace.BadParameter("missing parameter TargetBucketARN")
	}
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Head == nil {
		return trace.BadParameter("missing parameter Head")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentLauncher)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// JobRequest describes one batch-copy job.
type JobRequest struct {
	// ManifestBucket and ManifestKey locate the finalized manifest.
	ManifestBucket string
	ManifestKey    string
	// ManifestETag is the integrity tag the store checks at job start.
	ManifestETag string
	// TargetPrefix is prepended to every copied key.
	TargetPrefix string
	// ReportsPrefix is where the completion report lands.
	ReportsPrefix string
	// Description labels the job for operators.
	Description string
	// ClientToken deduplicates job creation.
	ClientToken string
}

func (r *JobRequest) check() error {
	if r.ManifestBucket == "" || r.ManifestKey == "" {
		return trace.BadParameter("missing manifest location")
	}
	if r.ManifestETag == "" {
		return trace.BadParameter("missing manifest integrity tag")
	}
	if r.TargetPrefix == "" {
		return trace.BadParameter("missing target prefix")
	}
	if r.ClientToken == "" {
		return trace.BadParameter("missing client token")
	}
	return nil
}

// Submitter creates batch-copy jobs.
type Submitter struct {
	cfg SubmitterConfig
}

// NewSubmitter returns a Submitter.
func NewSubmitter(cfg SubmitterConfig) (*Submitter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Submitter{cfg: cfg}, nil
}

// Submit creates the job and returns its id. On a manifest integrity tag
// mismatch it re-reads the manifest metadata for a fresh tag and retries
// exactly once; a second mismatch is fatal.
func (s *Submitter) Submit(ctx context.Context, req JobRequest) (string, error) {
	if err := req.check(); err != nil {
		return "", trace.Wrap(err)
	}
	jobID, err := s.createJob(ctx, req)
	if err == nil {
		return jobID, nil
	}
	if !isETagMismatch(err) {
		return "", trace.Wrap(err)
	}
	s.cfg.Logger.WarnContext(ctx, "Manifest integrity tag rejected, re-reading metadata and retrying once",
		"manifest", req.ManifestKey, "etag", req.ManifestETag)
	fresh, verifyErr := manifest.VerifyETag(ctx, s.cfg.Head, req.ManifestBucket, req.ManifestKey, "", s.cfg.Clock, s.cfg.Logger)
	if verifyErr != nil {
		return "", trace.NewAggregate(err, verifyErr)
	}
	req.ManifestETag = fresh
	jobID, err = s.createJob(ctx, req)
	if err != nil {
		return "", trace.Wrap(err, "job submission failed again after integrity tag refresh")
	}
	return jobID, nil
}

func (s *Submitter) createJob(ctx context.Context, req JobRequest) (string, error) {
	manifestARN := fmt.Sprintf("arn:aws:s3:::%s/%s", req.ManifestBucket, req.ManifestKey)
	out, err := s.cfg.Client.CreateJob(ctx, &s3control.CreateJobInput{
		AccountId:            aws.String(s.cfg.AccountID),
		RoleArn:              aws.String(s.cfg.RoleARN),
		ConfirmationRequired: aws.Bool(false),
		Priority:             aws.Int32(defaults.BatchJobPriority),
		ClientRequestToken:   aws.String(req.ClientToken),
		Description:          aws.String(req.Description),
		Operation: &s3controltypes.JobOperation{
			S3PutObjectCopy: &s3controltypes.S3CopyObjectOperation{
				TargetResource:  aws.String(s.cfg.TargetBucketARN),
				TargetKeyPrefix: aws.String(req.TargetPrefix),
			},
		},
		Report: &s3controltypes.JobReport{
			Enabled:     true,
			Bucket:      aws.String(s.cfg.TargetBucketARN),
			Prefix:      aws.String(req.ReportsPrefix),
			Format:      s3controltypes.JobReportFormat(defaults.BatchReportFormat),
			ReportScope: s3controltypes.JobReportScopeAllTasks,
		},
		Manifest: &s3controltypes.JobManifest{
			Spec: &s3controltypes.JobManifestSpec{
				Format: s3controltypes.JobManifestFormat(defaults.BatchManifestFormat),
				Fields: []s3controltypes.JobManifestFieldName{
					s3controltypes.JobManifestFieldNameBucket,
					s3controltypes.JobManifestFieldNameKey,
				},
			},
			Location: &s3controltypes.JobManifestLocation{
				ObjectArn: aws.String(manifestARN),
				ETag:      aws.String(req.ManifestETag),
			},
		},
	})
	if err != nil {
		return "", trace.Wrap(err, "creating batch-copy job for %v", req.ManifestKey)
	}
	jobID := aws.ToString(out.JobId)
	s.cfg.Logger.InfoContext(ctx, "Created batch-copy job",
		"job_id", jobID, "manifest", req.ManifestKey, "target_prefix", req.TargetPrefix)
	return jobID, nil
}

// isETagMismatch detects the store rejecting a job because the manifest's
// current integrity tag no longer matches the submitted one.
func isETagMismatch(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "etag")
}
