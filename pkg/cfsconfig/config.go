// Package cfsconfig resolves the on-disk location of a composefs
// repository and exposes the repository's internal directory layout as
// derived path helpers, the way the example pack's VM-image manager
// derives its OCI blob/boot directories from a single Config.RootDir.
package cfsconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Mode selects which of the two documented default repository locations
// applies.
type Mode int

const (
	// SystemMode resolves to /sysroot/composefs.
	SystemMode Mode = iota
	// UserMode resolves to ~/.var/lib/composefs.
	UserMode
)

// RootDirEnvVar overrides the repository root, taking priority over the
// mode-based default and any file-based override, mirroring the teacher's
// MINIDOCKER_ROOT environment variable.
const RootDirEnvVar = "COMPOSEFS_ROOT"

// ConfigFileEnvVar points at an optional YAML file with a `root:` key,
// consulted when RootDirEnvVar is unset.
const ConfigFileEnvVar = "COMPOSEFS_CONFIG"

// fileConfig is the shape of the optional on-disk override file.
type fileConfig struct {
	Root string `yaml:"root"`
}

// DefaultRoot returns the documented default repository root for mode,
// without consulting any environment variable or config file.
func DefaultRoot(mode Mode) string {
	switch mode {
	case SystemMode:
		return "/sysroot/composefs"
	case UserMode:
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.Getenv("HOME")
		}
		return filepath.Join(home, ".var", "lib", "composefs")
	default:
		panic("cfsconfig: unknown mode")
	}
}

// ResolveRoot determines the repository root to use, in priority order:
//  1. An explicit root passed by the caller (non-empty).
//  2. COMPOSEFS_ROOT.
//  3. The `root:` key of the YAML file named by COMPOSEFS_CONFIG, if set.
//  4. DefaultRoot(mode).
func ResolveRoot(explicit string, mode Mode) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env := os.Getenv(RootDirEnvVar); env != "" {
		return env, nil
	}
	if cfgPath := os.Getenv(ConfigFileEnvVar); cfgPath != "" {
		root, err := loadRootFromFile(cfgPath)
		if err != nil {
			return "", err
		}
		if root != "" {
			return root, nil
		}
	}
	return DefaultRoot(mode), nil
}

func loadRootFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config file %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg.Root, nil
}

// Settings collects the per-repository bootstrap settings Option values
// may override; Repository.Open applies ApplyOptions' defaults first.
type Settings struct {
	// DirMode is the permission bits used when creating the repository's
	// internal directories (objects/, images/, streams/, and their refs/
	// subtrees).
	DirMode os.FileMode

	// AllowUnsafeKernelMount must be set before Repository.Mount will call
	// unix.Mount with fstype "erofs". The images this repository builds
	// use an erofs-like layout, not the genuine Linux kernel erofs v1
	// on-disk format (see erofs/layout.go's package doc), so an
	// unmodified kernel will reject them. Defaults to false: Mount
	// otherwise returns cferrors.ErrUnsupportedFormat rather than
	// attempting a mount doomed to fail, or silently implying the format
	// is kernel-compatible. Set this only against a kernel or loop driver
	// actually prepared to accept this package's layout.
	AllowUnsafeKernelMount bool
}

// Option customizes repository bootstrap, following the functional-options
// idiom the example pack uses for client/server constructors.
type Option func(*Settings)

// WithDirMode overrides the permission bits used when creating repository
// directories. The default is 0755.
func WithDirMode(mode os.FileMode) Option {
	return func(s *Settings) { s.DirMode = mode }
}

// WithUnsafeKernelMount opts into Repository.Mount actually calling
// unix.Mount, acknowledging that this package's erofs-like image format is
// not genuine kernel erofs v1 and may be rejected by the kernel's erofs
// driver.
func WithUnsafeKernelMount() Option {
	return func(s *Settings) { s.AllowUnsafeKernelMount = true }
}

// ApplyOptions returns the default Settings with every opt applied in order.
func ApplyOptions(opts ...Option) Settings {
	s := Settings{DirMode: 0o755}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Layout derives the fixed subdirectory names inside a repository root,
// matching the disk layout in the external interfaces section: objects/,
// images/ (with images/refs/), and streams/ (with streams/refs/).
type Layout struct {
	Root string
}

// NewLayout returns the derived path helpers rooted at root.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) ObjectsDir() string     { return filepath.Join(l.Root, "objects") }
func (l Layout) ImagesDir() string      { return filepath.Join(l.Root, "images") }
func (l Layout) ImagesRefsDir() string  { return filepath.Join(l.Root, "images", "refs") }
func (l Layout) StreamsDir() string     { return filepath.Join(l.Root, "streams") }
func (l Layout) StreamsRefsDir() string { return filepath.Join(l.Root, "streams", "refs") }
func (l Layout) LockPath() string       { return filepath.Join(l.Root, ".repo.lock") }
func (l Layout) TempDir() string        { return filepath.Join(l.Root, ".tmp") }

// ObjectShardDir returns objects/XX for the given first-byte hex shard.
func (l Layout) ObjectShardDir(shard string) string {
	return filepath.Join(l.ObjectsDir(), shard)
}
