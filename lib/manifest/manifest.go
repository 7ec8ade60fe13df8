// Package manifest builds the CSV manifests consumed by batch-copy jobs.
//
// Manifests are two columns, no header: source bucket, object key. Keys are
// written exactly as the store returned them; encoding/csv quotes the rare
// key that needs it. A manifest is immutable once finalized and is
// identified downstream by its integrity tag (ETag), which must match
// between upload and job submission or the store rejects the job.
package manifest

import (
	"context"
	"encoding/csv"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ecastell92/bucketbackup/lib/awsutils"
	"github.com/ecastell92/bucketbackup/lib/defaults"
)

// Row is one manifest entry.
type Row struct {
	// Bucket is the source bucket of the object.
	Bucket string
	// Key is the object key, exactly as the store returns it.
	Key string
}

// Result describes a finalized manifest.
type Result struct {
	// Bucket and Key locate the manifest object.
	Bucket string
	Key    string
	// ETag is the verified integrity tag of the manifest bytes.
	ETag string
	// Rows is the number of entries written.
	Rows int
}

// HeadClient reads object metadata.
type HeadClient interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// VerifyETag confirms that the stored object's integrity tag matches the
// one captured at upload, re-reading metadata a bounded number of times
// before giving up. When expected is empty (the upload response carried no
// tag) the first metadata read establishes it, and subsequent reads must
// agree. Returns the verified tag.
func VerifyETag(ctx context.Context, clt HeadClient, bucket, key, expected string, clock clockwork.Clock, logger *slog.Logger) (string, error) {
	expected = StripQuotes(expected)
	var observed string
	for attempt := 1; attempt <= defaults.ETagVerifyAttempts; attempt++ {
		head, err := clt.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			observed = StripQuotes(aws.ToString(head.ETag))
			if expected == "" {
				expected = observed
			}
			if observed == expected && observed != "" {
				return observed, nil
			}
			logger.WarnContext(ctx, "Manifest integrity tag mismatch on verify",
				"key", key, "expected", expected, "observed", observed, "attempt", attempt)
		} else {
			logger.WarnContext(ctx, "Failed to read manifest metadata on verify",
				"key", key, "error", err, "attempt", attempt)
		}
		if attempt == defaults.ETagVerifyAttempts {
			break
		}
		select {
		case <-clock.After(defaults.ETagVerifyDelay):
		case <-ctx.Done():
			return "", trace.Wrap(ctx.Err())
		}
	}
	return "", trace.CompareFailed(
		"manifest %v integrity tag did not stabilize: expected %q, last observed %q",
		key, expected, observed)
}

// StripQuotes removes the surrounding quotes S3 puts on ETag values.
func StripQuotes(etag string) string {
	return strings.Trim(etag, `"`)
}

func encodeRow(w *csv.Writer, row Row) error {
	if row.Bucket == "" || row.Key == "" {
		return trace.BadParameter("manifest row must have bucket and key")
	}
	return trace.Wrap(w.Write([]string{row.Bucket, row.Key}))
}

func convertS3(err error, format string, args ...any) error {
	return trace.WrapWithMessage(awsutils.ConvertS3Error(err), format, args...)
}
