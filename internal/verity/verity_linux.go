//go:build linux
// +build linux

// Package verity wraps the fs-verity ioctls used to seal objects in the
// content-addressed store: FS_IOC_ENABLE_VERITY to make a file immutable
// and kernel-measurable, and FS_IOC_MEASURE_VERITY to read back its
// SHA-256 Merkle root. The ioctl shapes mirror the reference overlay/
// composefs driver in the example pack.
package verity

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shawn111/composefs-repo/pkg/digest"
)

// BlockSize is the Merkle tree block size used when enabling fs-verity.
// 4096 matches the common page size and the reference driver's choice.
const BlockSize = 4096

// Enable turns on fs-verity for the open file descriptor fd. It is
// idempotent: enabling verity on a file that already has it enabled
// reports success.
func Enable(fd int) error {
	arg := unix.FsverityEnableArg{
		Version:        1,
		Hash_algorithm: unix.FS_VERITY_HASH_ALG_SHA256,
		Block_size:     BlockSize,
	}
	_, _, errno := syscall.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.FS_IOC_ENABLE_VERITY), uintptr(unsafe.Pointer(&arg)))
	if errno != 0 && !errors.Is(errno, unix.EEXIST) {
		return fmt.Errorf("enable fs-verity: %w", errno)
	}
	return nil
}

// verityDigest matches the kernel's fsverity_digest ABI: a fixed header
// followed by a buffer large enough for any digest the kernel might
// report (we only ever expect SHA-256's 32 bytes, but the struct must be
// sized generously since the kernel writes Size bytes into it).
type verityDigest struct {
	Fsv unix.FsverityDigest
	Buf [64]byte
}

// Measure reads back the fs-verity digest the kernel computed for fd.
// Callers must have already called Enable (or opened a file that already
// had verity enabled by a previous Enable call).
func Measure(fd int) (digest.VerityDigest, error) {
	var d verityDigest
	d.Fsv.Size = uint16(len(d.Buf))
	_, _, errno := syscall.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.FS_IOC_MEASURE_VERITY), uintptr(unsafe.Pointer(&d)))
	if errno != 0 {
		return digest.Digest{}, fmt.Errorf("measure fs-verity: %w", errno)
	}
	if int(d.Fsv.Size) != digest.Size {
		return digest.Digest{}, fmt.Errorf("measure fs-verity: unexpected digest size %d", d.Fsv.Size)
	}
	var out digest.Digest
	copy(out[:], d.Buf[:digest.Size])
	return out, nil
}

// Supported reports whether the runtime appears to support fs-verity at
// all (vs. a kernel/filesystem that will return ENOTTY/ENOTSUP for every
// call). It is advisory only; Enable/Measure remain the source of truth.
func Supported(fd int) bool {
	err := Enable(fd)
	return err == nil || !errors.Is(err, unix.ENOTTY) && !errors.Is(err, unix.ENOTSUP) && !errors.Is(err, unix.EOPNOTSUPP)
}
