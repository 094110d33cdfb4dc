//go:build linux
// +build linux

package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/shawn111/composefs-repo/pkg/cferrors"
)

// TestMountRefusesWithoutExplicitOptIn asserts that Mount never attempts
// unix.Mount against this package's erofs-like (not genuine kernel erofs
// v1) image format unless the caller opted in via
// cfsconfig.WithUnsafeKernelMount.
func TestMountRefusesWithoutExplicitOptIn(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = r.Mount(context.Background(), "deadbeef", t.TempDir())
	if !errors.Is(err, cferrors.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}
