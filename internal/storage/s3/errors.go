package s3

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// translateError maps an SDK failure onto the storage error taxonomy. No
// smithy or SDK type is returned to callers; the original error is kept as
// the cause.
func translateError(err error, kind types.BackendKind, operation string, loc types.Location) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}

	code, retryable, msg := classify(err)
	se := errors.Wrap(code, err, msg).
		WithBackend(string(kind)).
		WithOperation(operation).
		WithRetryable(retryable)
	if loc.Bucket != "" {
		se = se.WithContext("bucket", loc.Bucket)
	}
	if loc.Key != "" {
		se = se.WithContext("key", loc.Key)
	}
	return se
}

func classify(err error) (errors.ErrorCode, bool, string) {
	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.ErrCodeBackendCall, false, "request canceled"
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.ErrCodeNetwork, false, "request timed out"
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return errors.ErrCodeObjectNotFound, false, "object not found"
		case "NoSuchBucket":
			return errors.ErrCodeBucketMissing, false, "bucket does not exist"
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken", "ExpiredToken":
			return errors.ErrCodeBadCredentials, false, "credentials rejected"
		case "AccessDenied", "AllAccessDisabled", "Forbidden", "403":
			return errors.ErrCodeAccessDenied, false, "access denied"
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests", "RequestThrottled":
			return errors.ErrCodeThrottled, true, "request throttled"
		}
	}

	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusNotFound:
			return errors.ErrCodeObjectNotFound, false, "object not found"
		case status == http.StatusForbidden:
			return errors.ErrCodeAccessDenied, false, "access denied"
		case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
			return errors.ErrCodeThrottled, true, "request throttled"
		case status >= 500:
			return errors.ErrCodeBackendCall, true, "backend server error"
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.ErrCodeNetwork, true, "network error"
	}

	return errors.ErrCodeBackendCall, false, "backend call failed"
}
