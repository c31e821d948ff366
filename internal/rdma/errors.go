package rdma

import (
	"errors"
	"fmt"
)

// ErrGIDTypeNotSupported is returned by DeviceContext.QueryGIDType when the
// platform cannot report per-entry GID types. Port resolution falls back to
// GID table index 0 in that case.
var ErrGIDTypeNotSupported = errors.New("per-entry GID types not supported")

// SetupError marks an unrecoverable environment or setup fault: an absent
// device, a failed capability or port query, an exhausted GID table, a
// failed queue or channel creation, a failed re-arm or blocking wait. These
// represent a broken or misconfigured host, not a transient condition. The
// transport-startup caller is required to treat any SetupError as fatal
// (log and exit); nothing in this package retries one.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// IsSetupError reports whether err carries a SetupError anywhere in its
// chain.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

func setupErr(op string, err error) error {
	return &SetupError{Op: op, Err: err}
}

func setupErrf(format string, args ...any) error {
	return &SetupError{Op: fmt.Sprintf(format, args...)}
}
