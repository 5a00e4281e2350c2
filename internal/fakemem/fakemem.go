// Package fakemem provides a sharded-locking, RAM-backed fake of a
// physical address space that can stand in for MMIO windows without a
// real device under it. No other package in this module imports it.
//
// Adapted directly from the teacher's backend/mem.go: the same
// ShardSize sharded-RWMutex discipline (lock only the shards an
// access touches, not the whole address space), generalized from "a
// ublk block device's linear byte range" to "a physical address space
// windows get carved out of by base address."
package fakemem

import (
	"fmt"
	"sync"
)

// ShardSize is the size of each address-space shard (64KB), matching
// the teacher's own choice: small enough for good parallelism across
// concurrently mapped windows, large enough to keep per-access lock
// overhead low.
const ShardSize = 64 * 1024

// Space is a fake physical address space: one big backing array,
// protected shard-by-shard so independent windows don't contend.
type Space struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// New allocates a fake address space of size bytes.
func New(size int64) *Space {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Space{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (s *Space) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(s.shards) {
		end = len(s.shards) - 1
	}
	return start, end
}

// Window returns a live view onto [baseAddr, baseAddr+size), standing
// in for an MMIO mapping. Accesses through the returned slice do not
// take the shard locks that ReadAt/WriteAt use.
func (s *Space) Window(baseAddr, size uint64) ([]byte, error) {
	if int64(baseAddr)+int64(size) > s.size {
		return nil, fmt.Errorf("fakemem: window [%#x,%#x) exceeds address space size %d", baseAddr, baseAddr+size, s.size)
	}
	return s.data[baseAddr : baseAddr+size], nil
}

// ReadAt copies len(p) bytes starting at off into p.
func (s *Space) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, nil
	}
	available := s.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	start, end := s.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		s.shards[i].RLock()
	}
	n := copy(p, s.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		s.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt copies p into the address space starting at off.
func (s *Space) WriteAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, fmt.Errorf("fakemem: write beyond end of address space")
	}
	available := s.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	start, end := s.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		s.shards[i].Lock()
	}
	n := copy(s.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		s.shards[i].Unlock()
	}
	return n, nil
}

// Size returns the address space's total size in bytes.
func (s *Space) Size() int64 {
	return s.size
}
