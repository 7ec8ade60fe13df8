// Package discovery scans the account for buckets tagged for protection and
// converges their inventory and event notification configuration.
//
// All writes are idempotent: repeating a run with identical inputs changes
// nothing. Notification configuration is a single global document per
// bucket that the store serializes, so writes retry on conflict with
// jittered exponential backoff.
package discovery

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/defaults"
	"github.com/ecastell92/bucketbackup/lib/paths"
	"github.com/ecastell92/bucketbackup/lib/tagging"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// S3Client is the subset of the S3 API the reconciler uses.
type S3Client interface {
	GetBucketInventoryConfiguration(ctx context.Context, params *s3.GetBucketInventoryConfigurationInput, optFns ...func(*s3.Options)) (*s3.GetBucketInventoryConfigurationOutput, error)
	PutBucketInventoryConfiguration(ctx context.Context, params *s3.PutBucketInventoryConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketInventoryConfigurationOutput, error)
	GetBucketNotificationConfiguration(ctx context.Context, params *s3.GetBucketNotificationConfigurationInput, optFns ...func(*s3.Options)) (*s3.GetBucketNotificationConfigurationOutput, error)
	PutBucketNotificationConfiguration(ctx context.Context, params *s3.PutBucketNotificationConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketNotificationConfigurationOutput, error)
}

// TagScanClient is the subset of the resource tagging API the reconciler uses.
type TagScanClient interface {
	GetResources(ctx context.Context, params *resourcegroupstaggingapi.GetResourcesInput, optFns ...func(*resourcegroupstaggingapi.Options)) (*resourcegroupstaggingapi.GetResourcesOutput, error)
}

// Config configures a Reconciler.
type Config struct {
	// CentralBucket is the inventory destination bucket.
	CentralBucket string
	// CentralAccountID is the account owning the central bucket.
	CentralAccountID string
	// QueueARN is the SQS queue provisioned notifications point at.
	QueueARN string
	// Policy drives per-tier inventory frequency and notification choice.
	Policy tiers.Policy
	// S3 is the S3 client for bucket configuration.
	S3 S3Client
	// Tags is the tag-scan client.
	Tags TagScanClient
	// Resolver resolves bucket criticality.
	Resolver *tagging.Resolver
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.CentralBucket == "" {
		return trace.BadParameter("missing parameter CentralBucket")
	}
	if c.CentralAccountID == "" {
		return trace.BadParameter("missing parameter CentralAccountID")
	}
	if c.QueueARN == "" {
		return trace.BadParameter("missing parameter QueueARN")
	}
	if c.S3 == nil {
		return trace.BadParameter("missing parameter S3")
	}
	if c.Tags == nil {
		return trace.BadParameter("missing parameter Tags")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentDiscovery)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Source is one discovered and configured source bucket.
type Source struct {
	// Bucket is the source bucket name.
	Bucket string `json:"source"`
	// Tier is its resolved criticality.
	Tier tiers.Tier `json:"tier"`
	// InventoryPrefix is where its enumerations land in the central bucket.
	InventoryPrefix string `json:"enumeration_prefix"`
	// CentralBucket is the sink bucket.
	CentralBucket string `json:"central_container"`
}

// SourceError records a per-bucket configuration failure. Failures never
// abort the whole run.
type SourceError struct {
	Bucket string `json:"bucket"`
	Error  string `json:"error"`
}

// Result is the output of one discovery run.
type Result struct {
	Sources []Source      `json:"sources"`
	Errors  []SourceError `json:"errors,omitempty"`
}

// Reconciler discovers tagged buckets and converges their configuration.
type Reconciler struct {
	cfg Config
}

// New returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reconciler{cfg: cfg}, nil
}

// Run performs one discovery pass. Only a failure of the tag scan itself
// fails the run; per-bucket failures are collected in the result.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	buckets, err := r.scan(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.cfg.Logger.InfoContext(ctx, "Discovered buckets tagged for backup", "count", len(buckets))

	result := &Result{}
	for _, bucket := range buckets {
		source, err := r.reconcileBucket(ctx, bucket)
		if err != nil {
			r.cfg.Logger.ErrorContext(ctx, "Failed to configure bucket",
				"bucket", bucket, "error", err)
			result.Errors = append(result.Errors, SourceError{Bucket: bucket, Error: err.Error()})
			continue
		}
		result.Sources = append(result.Sources, *source)
	}
	return result, nil
}

// scan lists all S3 buckets carrying BackupEnabled=true.
func (r *Reconciler) scan(ctx context.Context) ([]string, error) {
	var buckets []string
	var token *string
	for i := 0; i < defaults.MaxIterationLimit; i++ {
		out, err := r.cfg.Tags.GetResources(ctx, &resourcegroupstaggingapi.GetResourcesInput{
			TagFilters: []taggingtypes.TagFilter{{
				Key:    aws.String(bucketbackup.BackupEnabledTagKey),
				Values: []string{"true"},
			}},
			ResourceTypeFilters: []string{"s3"},
			PaginationToken:     token,
		})
		if err != nil {
			return nil, trace.Wrap(err, "tag scan failed")
		}
		for _, mapping := range out.ResourceTagMappingList {
			arn := aws.ToString(mapping.ResourceARN)
			if i := strings.LastIndex(arn, ":::"); i >= 0 {
				buckets = append(buckets, arn[i+3:])
			}
		}
		if aws.ToString(out.PaginationToken) == "" {
			break
		}
		token = out.PaginationToken
	}
	return buckets, nil
}

func (r *Reconciler) reconcileBucket(ctx context.Context, bucket string) (*Source, error) {
	tier, err := r.cfg.Resolver.Resolve(ctx, bucket)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.ensureInventory(ctx, bucket, tier); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.reconcileNotification(ctx, bucket, r.cfg.Policy.NotifyFor(tier)); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Source{
		Bucket:          bucket,
		Tier:            tier,
		InventoryPrefix: paths.InventoryPrefix(bucket),
		CentralBucket:   r.cfg.CentralBucket,
	}, nil
}
