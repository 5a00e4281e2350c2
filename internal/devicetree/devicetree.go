// Package devicetree implements the generation-indexed arena of
// physical device nodes described by the core spec: a slot/generation
// arena keyed by stable handles, add-only, with a free list kept for
// contract stability even though nothing frees a slot today.
//
// The slot/generation bookkeeping mirrors the tag-indexed slice state
// tracking the teacher keeps per in-flight I/O tag (a slice indexed by
// tag number, mutated only by the single owning goroutine); here the
// index is a device slot instead of a queue tag.
package devicetree

import "fmt"

// DeviceId is an opaque, generation-checked handle into a DeviceTree.
type DeviceId struct {
	Index      uint32
	Generation uint32
}

// MMIORegion describes one memory-mapped I/O window a device exposes.
type MMIORegion struct {
	BaseAddr uint64
	Size     uint64
}

// DeviceDesc describes one physical device.
type DeviceDesc struct {
	Name       string
	Compatible []string // most-specific first
	MMIO       []MMIORegion
	IRQ        []uint32
}

// State is the lifecycle state of a DeviceNode.
type State int

const (
	// Ready means the node was discovered but has no driver yet.
	Ready State = iota
	// Running means a driver was spawned for this node.
	Running
	// Error means driver spawning failed for this node; terminal.
	Error
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// LogicId identifies a logical device registered against a physical
// node; the concrete type lives in internal/logicregistry, but the
// tree only needs to remember the opaque ids.
type LogicId = uint64

// DeviceNode is one node of the physical device tree.
type DeviceNode struct {
	ID             DeviceId
	Parent         *DeviceId // nil for the root
	Children       []DeviceId
	Desc           DeviceDesc
	State          State
	LogicalDevices []LogicId
}

// DeviceDescNode is one element of a flat mount list passed to
// MountSubtree: Parent is an index into the same list, or ParentIsMount
// when the element should be re-rooted onto the mount point.
type DeviceDescNode struct {
	Parent uint32 // index into the same list, or ParentIsMount
	Desc   DeviceDesc
}

// ParentIsMount is the sentinel DeviceDescNode.Parent value (the Rust
// source's usize::MAX) meaning "re-root onto the mount point".
const ParentIsMount = ^uint32(0)

type slot struct {
	node *DeviceNode // nil when the slot is free
}

// Tree is the arena owning every DeviceNode.
type Tree struct {
	slots       []slot
	generations []uint32
	freeHead    []uint32 // stack of free slot indices
	root        *DeviceId
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{}
}

// Root returns the root device id, if one has been set.
func (t *Tree) Root() (DeviceId, bool) {
	if t.root == nil {
		return DeviceId{}, false
	}
	return *t.root, true
}

func (t *Tree) allocSlot() uint32 {
	if n := len(t.freeHead); n > 0 {
		idx := t.freeHead[n-1]
		t.freeHead = t.freeHead[:n-1]
		return idx
	}
	idx := uint32(len(t.slots))
	t.slots = append(t.slots, slot{})
	t.generations = append(t.generations, 0)
	return idx
}

// Insert adds a new node under parent (or as the root, if parent is
// nil and no root is set yet). It returns an error if parent is
// non-nil and does not resolve to a live node.
func (t *Tree) Insert(parent *DeviceId, desc DeviceDesc) (DeviceId, error) {
	var parentCopy *DeviceId
	if parent != nil {
		pn, ok := t.Get(*parent)
		if !ok {
			return DeviceId{}, fmt.Errorf("devicetree: invalid parent %+v", *parent)
		}
		_ = pn
		p := *parent
		parentCopy = &p
	}

	idx := t.allocSlot()
	id := DeviceId{Index: idx, Generation: t.generations[idx]}
	node := &DeviceNode{
		ID:     id,
		Parent: parentCopy,
		Desc:   desc,
		State:  Ready,
	}
	t.slots[idx].node = node

	if parentCopy != nil {
		pnode := t.slots[parentCopy.Index].node
		pnode.Children = append(pnode.Children, id)
	} else if t.root == nil {
		rootCopy := id
		t.root = &rootCopy
	}

	return id, nil
}

// Get returns the live node for id, or ok=false if the handle is stale
// or out of range.
func (t *Tree) Get(id DeviceId) (*DeviceNode, bool) {
	if int(id.Index) >= len(t.slots) {
		return nil, false
	}
	if t.generations[id.Index] != id.Generation {
		return nil, false
	}
	node := t.slots[id.Index].node
	if node == nil {
		return nil, false
	}
	return node, true
}

// GetMut is an alias for Get: Go's reference semantics mean the same
// pointer is mutable in place, so there is no separate read/write
// accessor pair as in the source language.
func (t *Tree) GetMut(id DeviceId) (*DeviceNode, bool) {
	return t.Get(id)
}

// MountSubtree bulk-inserts a flat list of descriptors under
// mountPoint. Each element's Parent is either ParentIsMount (re-root
// onto mountPoint) or an earlier index within the same list; a
// forward or self reference fails with InvalidArgs semantics.
func (t *Tree) MountSubtree(mountPoint DeviceId, nodes []DeviceDescNode) ([]DeviceId, error) {
	if _, ok := t.Get(mountPoint); !ok {
		return nil, fmt.Errorf("devicetree: invalid mount point %+v", mountPoint)
	}

	ids := make([]DeviceId, len(nodes))
	for i, n := range nodes {
		var parent DeviceId
		if n.Parent == ParentIsMount {
			parent = mountPoint
		} else {
			if n.Parent >= uint32(i) {
				return nil, fmt.Errorf("devicetree: dangling/forward parent reference at index %d", i)
			}
			parent = ids[n.Parent]
		}
		id, err := t.Insert(&parent, n.Desc)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// BFSFrom returns every device id reachable from start, start itself
// included, in breadth-first order.
func (t *Tree) BFSFrom(start DeviceId) ([]DeviceId, error) {
	if _, ok := t.Get(start); !ok {
		return nil, fmt.Errorf("devicetree: invalid start %+v", start)
	}

	var order []DeviceId
	queue := []DeviceId{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		node, ok := t.Get(id)
		if !ok {
			continue
		}
		queue = append(queue, node.Children...)
	}
	return order, nil
}

// FindByName does a BFS lookup for the node whose Desc.Name matches
// exactly, starting from start.
func (t *Tree) FindByName(start DeviceId, name string) (DeviceId, bool) {
	ids, err := t.BFSFrom(start)
	if err != nil {
		return DeviceId{}, false
	}
	for _, id := range ids {
		node, ok := t.Get(id)
		if ok && node.Desc.Name == name {
			return id, true
		}
	}
	return DeviceId{}, false
}

// SetState transitions a node's state; used by REPORT/UPDATE/spawn
// handling. Returns false if id does not resolve.
func (t *Tree) SetState(id DeviceId, state State) bool {
	node, ok := t.Get(id)
	if !ok {
		return false
	}
	node.State = state
	return true
}

// AppendLogicDevice records that a logical device was registered
// against the physical node named parentName (a no-op, successfully,
// if no such node exists: the spec only requires the append when the
// parent resolves).
func (t *Tree) AppendLogicDevice(parentName string, logicID LogicId) {
	root, ok := t.Root()
	if !ok {
		return
	}
	id, ok := t.FindByName(root, parentName)
	if !ok {
		return
	}
	node, _ := t.Get(id)
	node.LogicalDevices = append(node.LogicalDevices, logicID)
}
