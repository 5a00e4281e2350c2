//go:build linux

package uring

import (
	"fmt"
	"sync"
	"time"

	"github.com/pawelgaczynski/giouring"
)

// realRing backs Ring with an actual Linux io_uring instance via
// pawelgaczynski/giouring, the dependency the module already commits
// to — wired here instead of left declared-but-unused.
type realRing struct {
	mu   sync.Mutex
	ring *giouring.Ring
}

// NewRing opens a real io_uring-backed Ring with the given submission
// queue depth.
func NewRing(entries uint32) (Ring, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}
	return &realRing{ring: ring}, nil
}

func (r *realRing) Submit(req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("uring: submission queue full")
	}

	switch req.Op {
	case OpRead:
		sqe.PrepareRead(req.FD, 0, 0, 0)
	case OpAccept:
		sqe.PrepareAccept(req.FD, 0, 0, 0)
	case OpTimeout:
		ts := giouring.Timespec{
			Sec:  int64(time.Duration(req.NanosDeadline) / time.Second),
			Nsec: int64(time.Duration(req.NanosDeadline) % time.Second),
		}
		sqe.PrepareTimeout(&ts, 0, 0)
	default:
		return ErrUnsupportedOp
	}
	sqe.UserData = req.UserData
	return nil
}

func (r *realRing) SubmitAndWait() ([]Completion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.ring.SubmitAndWait(1); err != nil {
		return nil, fmt.Errorf("uring: submit and wait: %w", err)
	}

	var completions []Completion
	for {
		cqe, err := r.ring.PeekCQE()
		if err != nil || cqe == nil {
			break
		}
		completions = append(completions, Completion{
			UserData: cqe.UserData,
			Result:   cqe.Res,
		})
		r.ring.CQESeen(cqe)
	}
	return completions, nil
}

func (r *realRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.QueueExit()
	return nil
}
