//go:build linux

package dispatch

import "syscall"

// Result codes returned to the kernel bridge.
const (
	// ErrNotExist reports a failed metadata lookup.
	ErrNotExist = syscall.ENOENT
	// ErrUnavailable reports a failed directory listing.
	ErrUnavailable = syscall.ENONET
	// ErrRejected reports any other backend failure and conflicts with
	// open files.
	ErrRejected = syscall.EBADE
)
