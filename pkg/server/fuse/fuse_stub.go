//go:build !linux

package fuse

import (
	"context"

	"github.com/pkg/errors"

	"github.com/jacktea/hyport/pkg/dispatch"
)

// Mount is only available on linux.
func Mount(ctx context.Context, d *dispatch.Dispatcher, mountpoint string, opts Options) error {
	return errors.New("fuse mount not supported in this build")
}
