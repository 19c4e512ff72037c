package s3

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/tonimelisma/cloudsync-go/pkg/cloudsync"
)

// Error codes S3 and compatible services report, by kind.
var codeKinds = map[string]cloudsync.Kind{
	"InvalidAccessKeyId":         cloudsync.KindAuthorizationFailed,
	"SignatureDoesNotMatch":      cloudsync.KindAuthorizationFailed,
	"ExpiredToken":               cloudsync.KindAuthorizationFailed,
	"InvalidToken":               cloudsync.KindAuthorizationFailed,
	"NoSuchKey":                  cloudsync.KindNoSuchResource,
	"NotFound":                   cloudsync.KindNoSuchResource,
	"NoSuchBucket":               cloudsync.KindNoSuchResource,
	"AccessDenied":               cloudsync.KindPermissionDenied,
	"AllAccessDisabled":          cloudsync.KindPermissionDenied,
	"PreconditionFailed":         cloudsync.KindResourceHasChanged,
	"ConditionalRequestConflict": cloudsync.KindResourceHasChanged,
}

// classify maps SDK failures onto error kinds, by error code first and
// HTTP status second. A failed precondition on a create-only write means
// the key already existed.
func classify(op, p string, err error, create bool) error {
	if err == nil {
		return nil
	}

	var ce *cloudsync.Error
	if errors.As(err, &ce) {
		return err
	}

	kind, known := cloudsync.KindCommunicationError, false

	var ae smithy.APIError
	if errors.As(err, &ae) {
		kind, known = codeKinds[ae.ErrorCode()]
	}

	if !known {
		var re *smithyhttp.ResponseError
		if errors.As(err, &re) {
			kind = statusKind(re.HTTPStatusCode())
		} else {
			kind = cloudsync.KindCommunicationError
		}
	}

	if create && kind == cloudsync.KindResourceHasChanged {
		kind = cloudsync.KindResourceConflict
	}

	return cloudsync.NewError(kind, op, p, fmt.Errorf("s3: %w", err))
}

func statusKind(status int) cloudsync.Kind {
	switch status {
	case http.StatusUnauthorized:
		return cloudsync.KindAuthorizationFailed
	case http.StatusForbidden:
		return cloudsync.KindPermissionDenied
	case http.StatusNotFound:
		return cloudsync.KindNoSuchResource
	case http.StatusConflict:
		return cloudsync.KindResourceConflict
	case http.StatusPreconditionFailed:
		return cloudsync.KindResourceHasChanged
	default:
		return cloudsync.KindCommunicationError
	}
}
