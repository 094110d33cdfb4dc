//go:build !linux
// +build !linux

package repo

import (
	"context"
	"fmt"
	"runtime"
)

// Mount is only supported on Linux, since it invokes an erofs kernel
// mount directly.
func (r *Repository) Mount(ctx context.Context, name, mountPoint string) error {
	return fmt.Errorf("mount is only supported on Linux (current: %s)", runtime.GOOS)
}

// Unmount is only supported on Linux.
func (r *Repository) Unmount(ctx context.Context, mountPoint string) error {
	return fmt.Errorf("mount is only supported on Linux (current: %s)", runtime.GOOS)
}
