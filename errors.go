package cleanerd

import "errors"

// Sentinel errors shared across the device, gc, cleaner, and controlplane
// packages, in the style of the teacher's root errors.go.
var (
	// ErrCorrupt marks a segment summary, snapshot chain, or other
	// on-disk structure that failed a structural or CRC check. Callers
	// abandon the current log/file/block iteration rather than panic
	// (§7).
	ErrCorrupt = errors.New("on-disk structure failed validation")

	// ErrUnsupported is returned by an optional kernel request (e.g.
	// set_suinfo) that the running kernel does not implement (ENOTTY).
	// The caller that sees this permanently disables the optional path
	// for the handle's lifetime (§7).
	ErrUnsupported = errors.New("kernel request not supported")

	// ErrBusy mirrors a kernel-reported EBUSY: a snapshot checkpoint
	// cannot be deleted, or a resize cannot complete right now.
	ErrBusy = errors.New("resource busy")

	// ErrNotFound mirrors a kernel-reported ENOENT, e.g. deleting an
	// already-absent checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrAlreadyLocked is returned by LockCleaner when another process
	// already holds the cleaner lock for this file system.
	ErrAlreadyLocked = errors.New("cleaner lock already held")

	// ErrIllegalArgument marks a rejected request parameter (e.g. an
	// unknown reclaim-parameter bit, or a RUN request with no segments).
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrIncompatibleFeature marks a super-block carrying an unknown
	// incompatible feature bit; the handle refuses to open.
	ErrIncompatibleFeature = errors.New("unknown incompatible feature bit")

	// ErrNoValidSuperblock is returned when neither the primary nor the
	// secondary super-block copy parses and checksums correctly.
	ErrNoValidSuperblock = errors.New("no valid super-block found")

	// ErrShrinkInsufficientSpace is returned when too few clean segments
	// remain to safely shrink the device by the requested amount.
	ErrShrinkInsufficientSpace = errors.New("insufficient clean segments to shrink")

	// ErrLockReleaseFailed marks a failure to release the cleaner lock at
	// the end of a GC pass or resize. It is fatal: the caller must treat
	// it as non-recoverable and exit the process (§4.5, §7).
	ErrLockReleaseFailed = errors.New("cleaner lock release failed")
)
