//go:build !linux

package dispatch

import "syscall"

// Result codes returned to the kernel bridge. ENONET and EBADE are Linux
// specific; other platforms fall back to the closest portable codes.
const (
	ErrNotExist    = syscall.ENOENT
	ErrUnavailable = syscall.EAGAIN
	ErrRejected    = syscall.EIO
)
