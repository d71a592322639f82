package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"testing"

	pkgerrors "github.com/pkg/errors"

	"github.com/jacktea/hyport/pkg/drive"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindPermission, "op", "", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindPermission},
		{name: "drive not found", err: drive.ErrNotFound, kind: KindNotFound},
		{name: "drive not found wrapped", err: pkgerrors.Wrap(drive.ErrNotFound, "/a"), kind: KindNotFound},
		{name: "drive exists", err: drive.ErrExist, kind: KindAlreadyExists},
		{name: "drive not empty", err: drive.ErrNotEmpty, kind: KindNotEmpty},
		{name: "drive is dir", err: drive.ErrIsDir, kind: KindIsDir},
		{name: "drive not supported", err: drive.ErrNotSupported, kind: KindNotSupported},
		{name: "drive closed", err: drive.ErrClosed, kind: KindUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, kind: KindUnavailable},
		{name: "iofs permission", err: iofs.ErrPermission, kind: KindPermission},
		{name: "iofs exist", err: iofs.ErrExist, kind: KindAlreadyExists},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindConflict, "unlink", "/a", errors.New("open handle"))
	if got, want := err.Error(), "unlink: busy /a: open handle"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if got, want := E(KindNotFound, "", "").Error(), "not found"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if Wrap(KindInternal, "op", "", nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
}
