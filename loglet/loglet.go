// Package loglet defines the contract every log segment provider must
// satisfy: append, read, seal, trim, and tail discovery over one segment.
// Concrete providers (in-memory, local-disk, replicated) plug in behind
// the Loglet interface; loglet/memloglet is the minimal in-memory one.
package loglet

import (
	"context"
	"errors"
	"fmt"
)

// Offset is a position within a single loglet segment. Chain-wide LSN is
// the segment's base LSN plus the loglet offset.
type Offset uint64

const (
	// InvalidOffset marks "no offset".
	InvalidOffset Offset = 0
	// OldestOffset is the first valid offset in any loglet.
	OldestOffset Offset = 1
	// MaxOffset is the saturating upper bound for offset arithmetic.
	MaxOffset Offset = ^Offset(0)
)

// Next returns the successor offset, saturating at MaxOffset.
func (o Offset) Next() Offset {
	if o == MaxOffset {
		return MaxOffset
	}
	return o + 1
}

// Prev returns the predecessor offset, saturating at OldestOffset.
func (o Offset) Prev() Offset {
	if o <= OldestOffset {
		return OldestOffset
	}
	return o - 1
}

// Sentinel causes for append and operation failures.
var (
	ErrSealed              = errors.New("loglet: sealed")
	ErrShutdown            = errors.New("loglet: shutdown")
	ErrTransientIO         = errors.New("loglet: transient i/o failure")
	ErrPermanentCorruption = errors.New("loglet: permanent corruption")
)

// AppendError wraps one of the sentinel errors above with call-site
// context. Sealed is the only append error that must not be retried on the
// same loglet.
type AppendError struct {
	Cause error
}

func (e *AppendError) Error() string { return fmt.Sprintf("loglet: append failed: %v", e.Cause) }
func (e *AppendError) Unwrap() error { return e.Cause }

// OperationError wraps one of the sentinel errors above for any
// non-append operation (find_tail, trim, seal, read, ...).
type OperationError struct {
	Cause error
}

func (e *OperationError) Error() string { return fmt.Sprintf("loglet: operation failed: %v", e.Cause) }
func (e *OperationError) Unwrap() error { return e.Cause }

// TailState is the result of FindTail: either Open at the next writable
// offset, or Sealed at the first offset that will never be written.
type TailState struct {
	sealed bool
	offset Offset
}

func Open(nextWritable Offset) TailState { return TailState{sealed: false, offset: nextWritable} }
func Sealed(firstUnwritten Offset) TailState {
	return TailState{sealed: true, offset: firstUnwritten}
}

func (t TailState) IsSealed() bool { return t.sealed }
func (t TailState) Offset() Offset { return t.offset }

// Record is one committed entry read back from a loglet.
type Record struct {
	Offset  Offset
	Payload []byte
}

// ReadStream yields records from a single loglet in strict offset order.
// Streams with a nil `to` bound at creation are tailing: they never
// terminate on their own.
type ReadStream interface {
	// Next blocks until the next record is available, ctx is canceled, or
	// the stream is exhausted (finite streams only).
	Next(ctx context.Context) (Record, error)
	// ReadPointer is the next offset this stream will produce.
	ReadPointer() Offset
	// IsTerminated reports whether the stream has reached its upper bound.
	IsTerminated() bool
}

// Loglet is the live handle to one segment that every provider must
// implement. Implementations must be safe for concurrent use; ordering is
// only guaranteed across serial calls from a single caller goroutine.
type Loglet interface {
	// Append writes one record; the returned offset is durable and
	// immutable before Append returns.
	Append(ctx context.Context, data []byte) (Offset, error)

	// AppendBatch writes a batch atomically with respect to visibility:
	// either all records become readable, or none do. Returns the offset
	// of the first record in the batch.
	AppendBatch(ctx context.Context, records [][]byte) (Offset, error)

	// FindTail discovers the durable tail of the loglet. An empty loglet
	// reports Open(OldestOffset).
	FindTail(ctx context.Context) (TailState, error)

	// LastKnownUnsealedTail is an optional cache; callers must fall back
	// to FindTail when it returns false.
	LastKnownUnsealedTail() (Offset, bool)

	// GetTrimPoint reports the largest offset strictly below all retained
	// records, or false if the loglet has never been trimmed.
	GetTrimPoint(ctx context.Context) (Offset, bool, error)

	// Trim discards records up to and including upToInclusive. Idempotent;
	// InvalidOffset is a no-op; MaxOffset trims to FindTail-1.
	Trim(ctx context.Context, upToInclusive Offset) error

	// Seal is idempotent. After a successful Seal, FindTail must report
	// Sealed, and no further Append may return an offset at or beyond the
	// first offset observed in that Sealed report.
	Seal(ctx context.Context) error

	// Read waits for the record at from, or the next available record if
	// from is below OldestOffset.
	Read(ctx context.Context, from Offset) (Record, error)

	// ReadOpt returns immediately: the record at from if already
	// committed, or false otherwise.
	ReadOpt(ctx context.Context, from Offset) (Record, bool, error)

	// CreateReadStream opens a read stream starting at from. If to is nil
	// the stream tails indefinitely; otherwise it terminates after to
	// (inclusive).
	CreateReadStream(ctx context.Context, from Offset, to *Offset) (ReadStream, error)
}

// Provider constructs Loglet handles for one provider kind given a segment's
// opaque parameters.
type Provider interface {
	Open(ctx context.Context, logID uint32, segmentIndex uint32, params []byte) (Loglet, error)
}
