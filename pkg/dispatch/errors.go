package dispatch

import (
	"syscall"

	"github.com/jacktea/hyport/pkg/xerrors"
)

// ErrnoKind classifies a dispatcher result code.
func ErrnoKind(errno syscall.Errno) xerrors.Kind {
	switch errno {
	case ErrNotExist:
		return xerrors.KindNotFound
	case ErrUnavailable:
		return xerrors.KindUnavailable
	case ErrRejected:
		return xerrors.KindRejected
	case syscall.EISDIR:
		return xerrors.KindIsDir
	case syscall.EBADF, syscall.EINVAL:
		return xerrors.KindInvalid
	default:
		return xerrors.KindInternal
	}
}

// Error turns a non-zero result code into a classified error carrying op and
// path. It returns nil for 0.
func Error(op, path string, errno syscall.Errno) error {
	if errno == 0 {
		return nil
	}
	return xerrors.Wrap(ErrnoKind(errno), op, path, errno)
}
