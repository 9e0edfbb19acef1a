// Package builderr carries the stable error kinds surfaced by the image
// build pipeline. Every fatal condition is tagged with a Kind so drivers can
// map failures to exit codes and diagnostics without string matching.
package builderr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// Configuration errors, detected before any build starts.
	KindSpecParse        Kind = "SpecParseError"
	KindSpecValidation   Kind = "SpecValidationError"
	KindRegistryConflict Kind = "RegistryConflictError"

	// Preflight errors.
	KindPrivilegeRequired      Kind = "PrivilegeRequired"
	KindMissingDependency      Kind = "MissingDependency"
	KindForeignArchUnsupported Kind = "ForeignArchUnsupported"

	// Resource errors.
	KindNoFreeLoopDevice Kind = "NoFreeLoopDevice"
	KindAttachFailed     Kind = "AttachFailed"
	KindDetachFailed     Kind = "DetachFailed"
	KindMountFailed      Kind = "MountFailed"
	KindUnmountFailed    Kind = "UnmountFailed"

	// Build errors.
	KindPartitionTableWriteFailed Kind = "PartitionTableWriteFailed"
	KindMkfsFailed                Kind = "MkfsFailed"
	KindRootfsCopyFailed          Kind = "RootfsCopyFailed"
	KindHookFailed                Kind = "HookFailed"
	KindCompressionFailed         Kind = "CompressionFailed"
	KindChecksumFailed            Kind = "ChecksumFailed"

	// Control errors.
	KindCancelled Kind = "Cancelled"
	KindTimeout   Kind = "Timeout"
)

// Configuration reports whether errors of this kind mean the input was bad
// before any build began (driver exit code 2 instead of 1).
func (k Kind) Configuration() bool {
	switch k {
	case KindSpecParse, KindSpecValidation, KindRegistryConflict:
		return true
	}
	return false
}

// Error is an error tagged with a Kind. The wrapped error carries the
// human-readable detail.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind. A nil err returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf is New with formatting.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if the
// error is untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
