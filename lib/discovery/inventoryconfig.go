package discovery

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"

	"github.com/ecastell92/bucketbackup/lib/awsutils"
	"github.com/ecastell92/bucketbackup/lib/defaults"
	"github.com/ecastell92/bucketbackup/lib/tiers"
)

// ensureInventory converges the bucket's inventory configuration to the
// tier's target frequency. Present-and-correct is a no-op; absent or
// diverged gets (re)written.
func (r *Reconciler) ensureInventory(ctx context.Context, bucket string, tier tiers.Tier) error {
	target := inventoryFrequency(r.cfg.Policy.FrequencyFor(tier))

	existing, err := r.cfg.S3.GetBucketInventoryConfiguration(ctx, &s3.GetBucketInventoryConfigurationInput{
		Bucket: aws.String(bucket),
		Id:     aws.String(defaults.InventoryID),
	})
	switch {
	case err == nil:
		cfg := existing.InventoryConfiguration
		if cfg != nil && cfg.Schedule != nil && cfg.Schedule.Frequency == target {
			return nil
		}
		r.cfg.Logger.InfoContext(ctx, "Inventory configuration diverged, rewriting",
			"bucket", bucket, "target_frequency", target)
	case trace.IsNotFound(awsutils.ConvertS3Error(err)):
		r.cfg.Logger.InfoContext(ctx, "Inventory configuration absent, creating",
			"bucket", bucket, "frequency", target)
	default:
		return trace.Wrap(awsutils.ConvertS3Error(err), "reading inventory configuration of %v", bucket)
	}

	return trace.Wrap(r.writeInventory(ctx, bucket, target))
}

func (r *Reconciler) writeInventory(ctx context.Context, bucket string, freq s3types.InventoryFrequency) error {
	_, err := r.cfg.S3.PutBucketInventoryConfiguration(ctx, &s3.PutBucketInventoryConfigurationInput{
		Bucket: aws.String(bucket),
		Id:     aws.String(defaults.InventoryID),
		InventoryConfiguration: &s3types.InventoryConfiguration{
			Id:                     aws.String(defaults.InventoryID),
			IsEnabled:              aws.Bool(true),
			IncludedObjectVersions: s3types.InventoryIncludedObjectVersionsCurrent,
			OptionalFields: []s3types.InventoryOptionalField{
				s3types.InventoryOptionalFieldSize,
				s3types.InventoryOptionalFieldLastModifiedDate,
				s3types.InventoryOptionalFieldStorageClass,
				s3types.InventoryOptionalFieldETag,
				s3types.InventoryOptionalFieldEncryptionStatus,
				s3types.InventoryOptionalFieldReplicationStatus,
				s3types.InventoryOptionalFieldIsMultipartUploaded,
			},
			Schedule: &s3types.InventorySchedule{Frequency: freq},
			Destination: &s3types.InventoryDestination{
				S3BucketDestination: &s3types.InventoryS3BucketDestination{
					AccountId: aws.String(r.cfg.CentralAccountID),
					Bucket:    aws.String("arn:aws:s3:::" + r.cfg.CentralBucket),
					Format:    s3types.InventoryFormatCsv,
					Prefix:    aws.String(defaults.InventoryPrefix),
				},
			},
		},
	})
	if err != nil {
		return trace.Wrap(awsutils.ConvertS3Error(err), "writing inventory configuration of %v", bucket)
	}
	return nil
}

func inventoryFrequency(f tiers.InventoryFrequency) s3types.InventoryFrequency {
	if f == tiers.Weekly {
		return s3types.InventoryFrequencyWeekly
	}
	return s3types.InventoryFrequencyDaily
}
