// Package awsutils converts AWS SDK errors into trace errors so the rest of
// the engine can branch on error class instead of service-specific codes.
package awsutils

import (
	"errors"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/gravitational/trace"
)

// ConvertS3Error converts an S3 API error into a trace error. Unrecognized
// errors pass through wrapped.
func ConvertS3Error(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NoSuchUpload", "NotFound",
			"NoSuchTagSet", "NoSuchConfiguration", "ReplicationConfigurationNotFoundError":
			return trace.NotFound("%s", apiErr.ErrorMessage())
		case "AccessDenied":
			return trace.AccessDenied("%s", apiErr.ErrorMessage())
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return trace.LimitExceeded("%s", apiErr.ErrorMessage())
		case "PreconditionFailed":
			return trace.CompareFailed("%s", apiErr.ErrorMessage())
		case "OperationAborted":
			// S3 serializes configuration writes per bucket and rejects
			// concurrent ones with OperationAborted.
			return trace.CompareFailed("%s", apiErr.ErrorMessage())
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return trace.NotFound("%v", err)
		case http.StatusConflict:
			return trace.CompareFailed("%v", err)
		case http.StatusForbidden:
			return trace.AccessDenied("%v", err)
		case http.StatusServiceUnavailable, http.StatusTooManyRequests:
			return trace.LimitExceeded("%v", err)
		}
	}
	return trace.Wrap(err)
}

// IsRetryableConfigWrite reports whether a bucket configuration write failed
// on a serialization conflict or throttle and should be retried.
func IsRetryableConfigWrite(err error) bool {
	err = ConvertS3Error(err)
	return trace.IsCompareFailed(err) || trace.IsLimitExceeded(err)
}
