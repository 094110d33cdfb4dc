// Package cferrors provides the sentinel error kinds this repository
// manager surfaces to callers.
//
// These sentinel errors allow callers to check for specific error
// conditions using errors.Is(), enabling programmatic error handling,
// the same convention the teacher's pkg/errors package uses for container
// lifecycle errors.
package cferrors

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the core, per the error handling design.
var (
	// ErrNotFound indicates a named reference or digest is absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName indicates a name does not match the accepted grammar.
	ErrInvalidName = errors.New("invalid name")

	// ErrIntegrityViolation indicates an fs-verity measurement disagreed
	// with the expected digest, or a split-stream block was malformed.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrAlreadyExists indicates a reference creation conflicts with a
	// different existing link.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnsupportedFormat indicates tar/erofs input violates what the
	// builder can represent.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrCancelled indicates the operation was cancelled.
	ErrCancelled = errors.New("cancelled")
)

// IoError wraps an underlying OS failure, carrying it for errors.As/errors.Unwrap
// while still classifying as the Io kind via errors.Is against ErrIo.
type IoError struct {
	Op  string
	Err error
}

// ErrIo is the sentinel errors.Is() target for every *IoError.
var ErrIo = errors.New("io error")

// NewIoError wraps err, occurring during op, as an Io-kind error.
func NewIoError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{Op: op, Err: err}
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrIo) true for any *IoError.
func (e *IoError) Is(target error) bool {
	return target == ErrIo
}

// NotFoundf builds an ErrNotFound-classified error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// InvalidNamef builds an ErrInvalidName-classified error with a formatted message.
func InvalidNamef(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidName)
}

// IntegrityViolationf builds an ErrIntegrityViolation-classified error.
func IntegrityViolationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrIntegrityViolation)
}

// AlreadyExistsf builds an ErrAlreadyExists-classified error.
func AlreadyExistsf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrAlreadyExists)
}

// UnsupportedFormatf builds an ErrUnsupportedFormat-classified error.
func UnsupportedFormatf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrUnsupportedFormat)
}

// Cancelledf builds an ErrCancelled-classified error with a formatted
// message, for the specific case of a context's cancellation or deadline
// being the reason an operation stopped. Callers that want to distinguish
// "the caller gave up" from a generic I/O failure check against this kind
// instead of ErrIo.
func Cancelledf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCancelled)
}
