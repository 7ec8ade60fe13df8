// Package tagging resolves the criticality tier of source buckets from
// their tag sets.
package tagging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/awsutils"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// S3Client is the subset of the S3 API the resolver uses.
type S3Client interface {
	GetBucketTagging(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
}

// Config configures a Resolver.
type Config struct {
	// Client is the S3 client to use.
	Client S3Client
	// Logger is an optional structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, "tagging")
	}
	return nil
}

// Resolver resolves bucket criticality with process-lifetime memoization.
// There is no cross-process coherence: a re-tagged bucket is picked up on
// the next invocation.
type Resolver struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]tiers.Tier
}

// NewResolver returns a Resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{
		cfg:   cfg,
		cache: make(map[string]tiers.Tier),
	}, nil
}

// Resolve returns the criticality tier of a bucket. A bucket without tags
// or without the criticality tag resolves to the default tier. An
// unparseable tag value is a BadParameter error; other faults propagate
// converted.
func (r *Resolver) Resolve(ctx context.Context, bucket string) (tiers.Tier, error) {
	r.mu.Lock()
	cached, ok := r.cache[bucket]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	out, err := r.cfg.Client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		if err := awsutils.ConvertS3Error(err); trace.IsNotFound(err) {
			r.cfg.Logger.WarnContext(ctx, "Bucket has no tags, using default tier",
				"bucket", bucket, "tier", tiers.LessCritical)
			r.store(bucket, tiers.LessCritical)
			return tiers.LessCritical, nil
		}
		return "", trace.Wrap(awsutils.ConvertS3Error(err), "reading tags of bucket %v", bucket)
	}

	var raw string
	for _, tag := range out.TagSet {
		if aws.ToString(tag.Key) == bucketbackup.CriticalityTagKey {
			raw = aws.ToString(tag.Value)
			break
		}
	}
	tier, err := tiers.Parse(raw)
	if err != nil {
		return "", trace.Wrap(err, "bucket %v", bucket)
	}
	r.store(bucket, tier)
	return tier, nil
}

func (r *Resolver) store(bucket string, tier tiers.Tier) {
	r.mu.Lock()
	r.cache[bucket] = tier
	r.mu.Unlock()
}
