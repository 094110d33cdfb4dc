//go:build !linux
// +build !linux

package verity

import (
	"fmt"
	"runtime"

	"github.com/shawn111/composefs-repo/pkg/digest"
)

// BlockSize mirrors the Linux constant so callers can compile uniformly.
const BlockSize = 4096

var errUnsupported = fmt.Errorf("fs-verity is only supported on Linux (current: %s)", runtime.GOOS)

// Enable always fails on non-Linux platforms.
func Enable(fd int) error {
	return errUnsupported
}

// Measure always fails on non-Linux platforms.
func Measure(fd int) (digest.VerityDigest, error) {
	return digest.Digest{}, errUnsupported
}

// Supported always reports false on non-Linux platforms.
func Supported(fd int) bool {
	return false
}
