package discovery

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"

	"github.com/ecastell92/bucketbackup/lib/awsutils"
	"github.com/ecastell92/bucketbackup/lib/defaults"
	"github.com/ecastell92/bucketbackup/lib/utils/retryutils"
)

// reconcileNotification ensures the engine's notification entry exists on
// the bucket (want=true) or is absent (want=false), leaving every other
// entry untouched. The notification document is written whole and the
// store serializes writers per bucket, so the read-modify-write retries on
// conflict.
func (r *Reconciler) reconcileNotification(ctx context.Context, bucket string, want bool) error {
	err := retryutils.RetryWithBackoff(ctx,
		defaults.NotificationWriteAttempts,
		defaults.NotificationRetryBase,
		defaults.NotificationRetryMax,
		r.cfg.Clock,
		retryutils.NewHalfJitter(),
		awsutils.IsRetryableConfigWrite,
		func() error {
			return r.applyNotification(ctx, bucket, want)
		})
	return trace.Wrap(err, "converging notification configuration of %v", bucket)
}

func (r *Reconciler) applyNotification(ctx context.Context, bucket string, want bool) error {
	current, err := r.cfg.S3.GetBucketNotificationConfiguration(ctx, &s3.GetBucketNotificationConfigurationInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return trace.Wrap(awsutils.ConvertS3Error(err), "reading notification configuration of %v", bucket)
	}

	kept := make([]s3types.QueueConfiguration, 0, len(current.QueueConfigurations)+1)
	var found *s3types.QueueConfiguration
	for _, qc := range current.QueueConfigurations {
		if aws.ToString(qc.Id) == defaults.NotificationID {
			qc := qc
			found = &qc
			continue
		}
		kept = append(kept, qc)
	}

	switch {
	case want && found != nil && aws.ToString(found.QueueArn) == r.cfg.QueueARN && hasObjectCreated(found.Events):
		return nil
	case !want && found == nil:
		return nil
	case want:
		kept = append(kept, s3types.QueueConfiguration{
			Id:       aws.String(defaults.NotificationID),
			QueueArn: aws.String(r.cfg.QueueARN),
			Events:   []s3types.Event{s3types.EventS3ObjectCreated},
		})
		r.cfg.Logger.InfoContext(ctx, "Provisioning event notification", "bucket", bucket)
	default:
		r.cfg.Logger.InfoContext(ctx, "Removing event notification", "bucket", bucket)
	}

	_, err = r.cfg.S3.PutBucketNotificationConfiguration(ctx, &s3.PutBucketNotificationConfigurationInput{
		Bucket: aws.String(bucket),
		NotificationConfiguration: &s3types.NotificationConfiguration{
			QueueConfigurations:          kept,
			TopicConfigurations:          current.TopicConfigurations,
			LambdaFunctionConfigurations: current.LambdaFunctionConfigurations,
			EventBridgeConfiguration:     current.EventBridgeConfiguration,
		},
	})
	if err != nil {
		return trace.Wrap(awsutils.ConvertS3Error(err), "writing notification configuration of %v", bucket)
	}
	return nil
}

func hasObjectCreated(events []s3types.Event) bool {
	for _, e := range events {
		if e == s3types.EventS3ObjectCreated {
			return true
		}
	}
	return false
}
