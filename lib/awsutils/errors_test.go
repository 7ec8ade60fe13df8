package awsutils

import (
	"net/http"
	"testing"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code + " happened"}
}

func TestConvertS3Error(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{name: "no such key", err: apiError("NoSuchKey"), check: trace.IsNotFound},
		{name: "no such bucket", err: apiError("NoSuchBucket"), check: trace.IsNotFound},
		{name: "no such tag set", err: apiError("NoSuchTagSet"), check: trace.IsNotFound},
		{name: "no such configuration", err: apiError("NoSuchConfiguration"), check: trace.IsNotFound},
		{name: "access denied", err: apiError("AccessDenied"), check: trace.IsAccessDenied},
		{name: "slow down", err: apiError("SlowDown"), check: trace.IsLimitExceeded},
		{name: "throttling", err: apiError("Throttling"), check: trace.IsLimitExceeded},
		{name: "operation aborted", err: apiError("OperationAborted"), check: trace.IsCompareFailed},
		{name: "precondition failed", err: apiError("PreconditionFailed"), check: trace.IsCompareFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.True(t, tc.check(ConvertS3Error(tc.err)))
		})
	}
}

func TestConvertS3ErrorHTTPStatus(t *testing.T) {
	respErr := func(status int) error {
		return &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      apiError("SomethingUnmapped"),
		}
	}
	require.True(t, trace.IsNotFound(ConvertS3Error(respErr(http.StatusNotFound))))
	require.True(t, trace.IsCompareFailed(ConvertS3Error(respErr(http.StatusConflict))))
	require.True(t, trace.IsAccessDenied(ConvertS3Error(respErr(http.StatusForbidden))))
	require.True(t, trace.IsLimitExceeded(ConvertS3Error(respErr(http.StatusServiceUnavailable))))
}

func TestConvertS3ErrorPassthrough(t *testing.T) {
	require.NoError(t, ConvertS3Error(nil))

	err := ConvertS3Error(apiError("SomeNewError"))
	require.Error(t, err)
	require.False(t, trace.IsNotFound(err))
}

func TestIsRetryableConfigWrite(t *testing.T) {
	require.True(t, IsRetryableConfigWrite(apiError("OperationAborted")))
	require.True(t, IsRetryableConfigWrite(apiError("SlowDown")))
	require.False(t, IsRetryableConfigWrite(apiError("AccessDenied")))
	require.False(t, IsRetryableConfigWrite(apiError("NoSuchBucket")))
}
