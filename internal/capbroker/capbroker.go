// Package capbroker caches the MMIO and IRQ capabilities handed out to
// driver connections, keyed by base address and IRQ number
// respectively, so a second request for the same physical resource
// reuses the already-minted capability instead of re-deriving it.
//
// Grounded on the teacher's size-bucketed sync.Pool buffer pool
// (internal/queue/pool.go: GetBuffer/PutBuffer, bucketed by power-of-2
// byte size): the same bucketed-pool shape is reused here, bucketed by
// capability kind (mmio vs irq) instead of size, since a broker slot
// is a small fixed-size struct rather than a variable-size buffer.
// golang.org/x/sys/unix backs the real mmap of a physical address
// range, continuing the teacher's own use of that package for raw
// syscalls.
package capbroker

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/glenda-dev/unicorn/internal/constants"
	"github.com/glenda-dev/unicorn/internal/devicetree"
)

// ErrRegionIndexOutOfRange is returned by GetMMIORegion/GetIRQRegion
// when region_index does not address one of the caller's own node
// descriptor's regions, including the boundary case region_index ==
// len(regions).
var ErrRegionIndexOutOfRange = errors.New("capbroker: region_index out of range")

// MMIOCap is the minted capability for one MMIO window.
type MMIOCap struct {
	BaseAddr uint64
	Size     uint64
	Mapping  []byte // the mapped window, nil if Mapper returned none
}

// IRQCap is the minted capability for one IRQ line.
type IRQCap struct {
	IRQ uint32
}

// Mapper performs the actual physical-address mapping. The real
// implementation backs onto /dev/mem via unix.Mmap; tests substitute a
// fake that hands back a plain byte slice standing in for guest
// physical memory.
type Mapper func(baseAddr, size uint64) ([]byte, error)

var slotPool = sync.Pool{New: func() any { return new(mmioSlot) }}

type mmioSlot struct {
	cap MMIOCap
}

// Broker owns the cached capability tables.
type Broker struct {
	mu     sync.Mutex
	mmio   map[uint64]*mmioSlot
	irq    map[uint32]IRQCap
	mapper Mapper
}

// New returns a broker using mapper to perform first-time MMIO
// mappings. If mapper is nil, RealMapper is used.
func New(mapper Mapper) *Broker {
	if mapper == nil {
		mapper = RealMapper
	}
	return &Broker{
		mmio:   make(map[uint64]*mmioSlot),
		irq:    make(map[uint32]IRQCap),
		mapper: mapper,
	}
}

// RealMapper maps a physical address range via /dev/mem, the backing
// used outside of tests.
func RealMapper(baseAddr, size uint64) ([]byte, error) {
	fd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("capbroker: open /dev/mem: %w", err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, int64(baseAddr), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("capbroker: mmap base=%#x size=%d: %w", baseAddr, size, err)
	}
	return data, nil
}

// GetMMIO returns the cached capability for baseAddr, mapping it for
// the first time via the broker's Mapper if this is the first request.
// The mapped length is size rounded up to whole MmioPageSize pages;
// the returned Size stays the region's own size.
func (b *Broker) GetMMIO(baseAddr, size uint64) (MMIOCap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slot, ok := b.mmio[baseAddr]; ok {
		return slot.cap, nil
	}

	mapSize := (size + constants.MmioPageSize - 1) / constants.MmioPageSize * constants.MmioPageSize
	mapped, err := b.mapper(baseAddr, mapSize)
	if err != nil {
		return MMIOCap{}, err
	}

	slot := slotPool.Get().(*mmioSlot)
	slot.cap = MMIOCap{BaseAddr: baseAddr, Size: size, Mapping: mapped}
	b.mmio[baseAddr] = slot
	return slot.cap, nil
}

// GetIRQ returns the cached capability for irq, minting one on first
// request.
func (b *Broker) GetIRQ(irq uint32) IRQCap {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cap, ok := b.irq[irq]; ok {
		return cap
	}
	cap := IRQCap{IRQ: irq}
	b.irq[irq] = cap
	return cap
}

// GetMMIORegion resolves regionIndex against node's own descriptor
// before minting anything, so a driver can only ever request MMIO
// windows its own device node actually advertises.
func (b *Broker) GetMMIORegion(node *devicetree.DeviceNode, regionIndex uint32) (MMIOCap, error) {
	if regionIndex >= uint32(len(node.Desc.MMIO)) {
		return MMIOCap{}, ErrRegionIndexOutOfRange
	}
	region := node.Desc.MMIO[regionIndex]
	return b.GetMMIO(region.BaseAddr, region.Size)
}

// GetIRQRegion resolves regionIndex against node's own descriptor
// before minting anything, the IRQ-line counterpart to GetMMIORegion.
func (b *Broker) GetIRQRegion(node *devicetree.DeviceNode, regionIndex uint32) (IRQCap, error) {
	if regionIndex >= uint32(len(node.Desc.IRQ)) {
		return IRQCap{}, ErrRegionIndexOutOfRange
	}
	return b.GetIRQ(node.Desc.IRQ[regionIndex]), nil
}

// Release evicts the cached MMIO capability for baseAddr and returns
// its slot to the pool, so the next GetMMIO for baseAddr maps it
// afresh. No server path calls it; device nodes are never removed.
func (b *Broker) Release(baseAddr uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slot, ok := b.mmio[baseAddr]
	if !ok {
		return
	}
	delete(b.mmio, baseAddr)
	slot.cap = MMIOCap{}
	slotPool.Put(slot)
}
