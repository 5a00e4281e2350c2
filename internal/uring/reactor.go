// Package uring provides the single-goroutine I/O multiplexer the IPC
// server blocks on: one call away from "accept a new driver
// connection," "a registered socket became readable," or "the
// simulated IRQ timer fired."
//
// The interface shape — Submit a batch of ops, then block for
// completions — is kept close to the teacher's own uring.Ring
// (Close/SubmitIOCmd/FlushSubmissions/WaitForCompletion), generalized
// from ublk's fixed FETCH_REQ/COMMIT_AND_FETCH_REQ opcodes to a small
// generic Op enum (read, accept, timeout) so the same ring backs both
// driver-socket I/O and interrupt simulation instead of one fixed
// kernel block-device protocol.
package uring

import "fmt"

// Op identifies what kind of completion a submitted entry will
// produce.
type Op int

const (
	// OpRead requests notification once fd has data available to read.
	OpRead Op = iota
	// OpAccept requests notification once a new connection is pending
	// on a listening fd.
	OpAccept
	// OpTimeout requests notification once the given duration elapses,
	// used to simulate IRQ delivery on platforms with no real
	// interrupt source.
	OpTimeout
)

// Request is one submitted entry.
type Request struct {
	Op       Op
	FD       int32
	UserData uint64
	// NanosDeadline is only meaningful for OpTimeout: nanoseconds from
	// submission until the completion fires.
	NanosDeadline uint64
}

// Completion is one entry returned by SubmitAndWait.
type Completion struct {
	UserData uint64
	Result   int32 // >=0 on success, -errno on failure
}

// Ring is the multiplexer the server drives: submit requests, then
// block until at least one completes.
type Ring interface {
	// Submit enqueues req for completion; it does not block.
	Submit(req Request) error
	// SubmitAndWait flushes every queued Submit call and blocks until
	// at least one completion is available, returning all that are
	// ready.
	SubmitAndWait() ([]Completion, error)
	// Close releases the ring's kernel resources.
	Close() error
}

// ErrUnsupportedOp is returned by a Ring implementation asked to
// submit an Op it cannot multiplex.
var ErrUnsupportedOp = fmt.Errorf("uring: unsupported op")
