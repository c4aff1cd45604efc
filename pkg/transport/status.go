package transport

import (
	"context"
	"errors"
	"strings"

	"meshfs/pkg/capability"
	"meshfs/pkg/fserr"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindCodes = map[fserr.Kind]codes.Code{
	fserr.Unauthorized:         codes.PermissionDenied,
	fserr.NotFound:             codes.NotFound,
	fserr.Incomplete:           codes.FailedPrecondition,
	fserr.MalformedEntry:       codes.InvalidArgument,
	fserr.Corrupt:              codes.DataLoss,
	fserr.DiscoveryUnavailable: codes.Unavailable,
	fserr.SyncFailed:           codes.Unavailable,
}

// ToStatus converts a handler error into a gRPC status error carrying the
// code for its kind. Errors that already are statuses pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !isClassified(err) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if code, ok := kindCodes[fserr.KindOf(err)]; ok {
		return status.Error(code, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func isClassified(err error) bool {
	var fe *fserr.Error
	return errors.As(err, &fe)
}

// FromStatus classifies an error returned by a gRPC call. The original
// status stays in the chain.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fserr.New(fserr.SyncFailed, "rpc", err)
	}
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.PermissionDenied:
		return fserr.New(fserr.Unauthorized, "rpc", &capability.UnauthorizedError{
			Reason: reasonFromMessage(st.Message()),
			Detail: st.Message(),
		})
	case codes.NotFound:
		return fserr.New(fserr.NotFound, "rpc", err)
	case codes.FailedPrecondition:
		return fserr.New(fserr.Incomplete, "rpc", err)
	case codes.InvalidArgument:
		return fserr.New(fserr.MalformedEntry, "rpc", err)
	case codes.DataLoss:
		return fserr.New(fserr.Corrupt, "rpc", err)
	case codes.Canceled:
		return fserr.New(fserr.SyncFailed, "rpc", errors.Join(context.Canceled, err))
	case codes.DeadlineExceeded:
		return fserr.New(fserr.SyncFailed, "rpc", errors.Join(context.DeadlineExceeded, err))
	default:
		return fserr.New(fserr.SyncFailed, "rpc", err)
	}
}

func reasonFromMessage(msg string) capability.Reason {
	for _, r := range []capability.Reason{
		capability.Expired,
		capability.ScopeExceeded,
		capability.RightsExceeded,
		capability.RootMismatch,
		capability.BrokenChain,
	} {
		if strings.Contains(msg, "unauthorized: "+string(r)) {
			return r
		}
	}
	return capability.BrokenChain
}

// IsRetryable reports whether a failed call is worth repeating against the
// same peer. Authorization and data errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch fserr.KindOf(err) {
	case fserr.Unauthorized, fserr.MalformedEntry, fserr.NotFound, fserr.Corrupt, fserr.Incomplete:
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC error, consider it retryable
		return true
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal:
		return true
	case codes.Unknown:
		// Sometimes network errors come as Unknown
		return true
	default:
		return false
	}
}
