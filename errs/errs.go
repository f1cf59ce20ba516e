// Package errs defines the error taxonomy shared across the DataBlock
// fabric (layout binding, the slot protocol, checksums, recovery).
package errs

import "errors"

// Sentinel errors. Callers compare with errors.Is, never string match.
var (
	// ErrConfigInvalid means a required config field was left Unset,
	// or an explicitly set field is out of its allowed range.
	ErrConfigInvalid = errors.New("datablock: config invalid")

	// ErrLayoutMismatch means an attach-time expected config disagrees
	// with the header's layout-defining fields. A stored layout checksum
	// that fails to verify is reported as ErrCorrupt instead.
	ErrLayoutMismatch = errors.New("datablock: layout mismatch")

	// ErrSchemaMismatch means the slot or flex-zone schema hash does
	// not match what the attaching side expected.
	ErrSchemaMismatch = errors.New("datablock: schema mismatch")

	// ErrNotFound means a named segment, channel, or consumer row does
	// not exist.
	ErrNotFound = errors.New("datablock: not found")

	// ErrNotReady means no slot is currently available to read under
	// the active consumer sync policy. Not an error condition; callers
	// typically retry.
	ErrNotReady = errors.New("datablock: not ready")

	// ErrChecksumFailed means a stored checksum did not match the
	// recomputed one for the observed bytes.
	ErrChecksumFailed = errors.New("datablock: checksum failed")

	// ErrIncompatible means the segment's magic number or version does
	// not match what this build expects.
	ErrIncompatible = errors.New("datablock: incompatible segment")

	// ErrCorrupt means the header ABI hash or layout checksum failed to
	// verify. Not retriable.
	ErrCorrupt = errors.New("datablock: corrupt segment")

	// ErrUnsupported means a configured value (e.g. physical page size)
	// is not one this build supports.
	ErrUnsupported = errors.New("datablock: unsupported configuration")

	// ErrIO wraps a failure from the backing shared-memory object
	// itself (create/attach/unlink).
	ErrIO = errors.New("datablock: io")
)

// TimeoutKind distinguishes the two blocking phases of acquire_write.
type TimeoutKind int

const (
	// WaitLock is a timeout while waiting to become the write owner.
	WaitLock TimeoutKind = iota
	// WaitDrain is a timeout while waiting for readers to drain.
	WaitDrain
)

func (k TimeoutKind) String() string {
	switch k {
	case WaitLock:
		return "wait-lock"
	case WaitDrain:
		return "wait-drain"
	default:
		return "unknown"
	}
}

// TimeoutError is returned by blocking acquire operations when their
// budget is exhausted. It is retriable; the caller may call acquire
// again.
type TimeoutError struct {
	Kind TimeoutKind
}

func (e *TimeoutError) Error() string {
	return "datablock: timeout (" + e.Kind.String() + ")"
}

// Is lets errors.Is(err, errTimeoutSentinel-like-values) work without
// callers needing to know the Kind — errors.Is(err, ErrTimeout)
// matches any TimeoutError regardless of kind.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ErrTimeout is the kind-agnostic sentinel; use errors.As to recover
// the specific TimeoutKind from a *TimeoutError.
var ErrTimeout = errors.New("datablock: timeout")

// NewTimeout constructs a *TimeoutError of the given kind.
func NewTimeout(kind TimeoutKind) error {
	return &TimeoutError{Kind: kind}
}
