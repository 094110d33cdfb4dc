//go:build linux
// +build linux

package repo

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/shawn111/composefs-repo/erofs"
	"github.com/shawn111/composefs-repo/pkg/cferrors"
)

// Mount resolves name through the images/ hierarchy only (never a bare
// digest path or an objects/... path — see Resolve and RefKind) and
// mounts the resulting erofs image read-only, with the object store's
// root as composefs's basedir mount option so the kernel can resolve each
// regular-file inode's fs-verity-digest-keyed backing file. Grounded on
// the reference overlay mount idiom (build a comma-joined options
// string, call unix.Mount) in the example pack's snapshot driver.
func (r *Repository) Mount(ctx context.Context, name, mountPoint string) error {
	if err := ctx.Err(); err != nil {
		return cferrors.Cancelledf("mount: %v", err)
	}

	// The images this repository builds use an erofs-like layout (see
	// erofs/layout.go's package doc), not the genuine Linux kernel erofs
	// v1 on-disk format; an unmodified kernel will reject them. Refuse to
	// even attempt unix.Mount unless the caller has explicitly
	// acknowledged that with WithUnsafeKernelMount, instead of presenting
	// a doomed mount attempt (or a silent false claim of compatibility)
	// as the default behavior.
	if !r.settings.AllowUnsafeKernelMount {
		return cferrors.UnsupportedFormatf("mount: image format is erofs-like but not genuine kernel erofs v1; pass cfsconfig.WithUnsafeKernelMount to acknowledge and attempt the mount anyway")
	}

	imageDigest, err := r.Resolve(ImageRef, name)
	if err != nil {
		return err
	}

	handle, err := r.store.OpenObject(imageDigest)
	if err != nil {
		return err
	}
	imageBytes, err := io.ReadAll(handle)
	closeErr := handle.Close()
	if err != nil {
		return cferrors.NewIoError("read image object", err)
	}
	if closeErr != nil {
		return cferrors.NewIoError("close image object", closeErr)
	}

	noACL, err := erofs.HasNoACL(imageBytes)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(mountPoint, r.settings.DirMode); err != nil {
		return cferrors.NewIoError("create mount point", err)
	}

	options := fmt.Sprintf("ro,basedir=%s", r.store.Root())
	if noACL {
		options += ",noacl"
	}

	if err := unix.Mount(r.store.ObjectPath(imageDigest), mountPoint, "erofs", unix.MS_RDONLY, options); err != nil {
		return cferrors.NewIoError("mount erofs image", fmt.Errorf("%w (options: %s)", err, options))
	}
	return nil
}

// Unmount mirrors mountOverlay's unmount counterpart in the example pack:
// a normal unmount first, falling back to a lazy MNT_DETACH unmount if
// the mount point is busy.
func (r *Repository) Unmount(ctx context.Context, mountPoint string) error {
	if err := ctx.Err(); err != nil {
		return cferrors.Cancelledf("unmount: %v", err)
	}
	if err := unix.Unmount(mountPoint, 0); err != nil {
		if err == unix.EBUSY {
			if err := unix.Unmount(mountPoint, unix.MNT_DETACH); err != nil {
				return cferrors.NewIoError("lazy unmount erofs image", err)
			}
			return nil
		}
		return cferrors.NewIoError("unmount erofs image", err)
	}
	return nil
}
