package cluster

import "errors"

var (
	// Routing / registry errors
	ErrDuplicateAddress = errors.New("address already registered in the cluster")
	ErrNotFound         = errors.New("address not found")
	ErrTargetGone       = errors.New("target object gone")

	// Transport errors
	ErrClusterTimeout  = errors.New("cluster request timed out")
	ErrNodeUnreachable = errors.New("node unreachable")
	ErrTransportClosed = errors.New("transport closed")

	// Rules errors
	ErrNotAllowed = errors.New("operation not allowed")

	// Dispatch errors
	ErrUnknownTask = errors.New("unknown task kind")
)

// Stable wire codes for the error taxonomy. Synchronous task failures cross
// the wire as a code plus message and are mapped back to the sentinel on the
// caller side so errors.Is keeps working across nodes.
const (
	codeOK          = ""
	codeDuplicate   = "duplicate_address"
	codeNotFound    = "not_found"
	codeTargetGone  = "target_gone"
	codeTimeout     = "timeout"
	codeUnreachable = "unreachable"
	codeClosed      = "closed"
	codeNotAllowed  = "not_allowed"
	codeUnknownTask = "unknown_task"
	codeInternal    = "internal"
)

func errorCode(err error) string {
	switch {
	case err == nil:
		return codeOK
	case errors.Is(err, ErrDuplicateAddress):
		return codeDuplicate
	case errors.Is(err, ErrNotFound):
		return codeNotFound
	case errors.Is(err, ErrTargetGone):
		return codeTargetGone
	case errors.Is(err, ErrClusterTimeout):
		return codeTimeout
	case errors.Is(err, ErrNodeUnreachable):
		return codeUnreachable
	case errors.Is(err, ErrTransportClosed):
		return codeClosed
	case errors.Is(err, ErrNotAllowed):
		return codeNotAllowed
	case errors.Is(err, ErrUnknownTask):
		return codeUnknownTask
	default:
		return codeInternal
	}
}

// remoteError carries the handler's original message while unwrapping to the
// local sentinel, so errors.Is works across node boundaries.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

func errorFromCode(code, msg string) error {
	var sentinel error
	switch code {
	case codeOK:
		return nil
	case codeDuplicate:
		sentinel = ErrDuplicateAddress
	case codeNotFound:
		sentinel = ErrNotFound
	case codeTargetGone:
		sentinel = ErrTargetGone
	case codeTimeout:
		sentinel = ErrClusterTimeout
	case codeUnreachable:
		sentinel = ErrNodeUnreachable
	case codeClosed:
		sentinel = ErrTransportClosed
	case codeNotAllowed:
		sentinel = ErrNotAllowed
	case codeUnknownTask:
		sentinel = ErrUnknownTask
	default:
		return errors.New(msg)
	}
	if msg == "" || msg == sentinel.Error() {
		return sentinel
	}
	return &remoteError{sentinel: sentinel, msg: msg}
}
