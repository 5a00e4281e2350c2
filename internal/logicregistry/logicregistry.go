// Package logicregistry stores driver-reported logical devices,
// auto-assigns their stable names, and serves the ALLOC_LOGIC/QUERY/
// GET_LOGIC_DESC lookups.
//
// Because the registry, like every core component, is only ever
// touched from the single IpcServer goroutine, it needs no locking —
// the same single-threaded-owner assumption the teacher's sharded
// in-memory backend (backend/mem.go) makes explicit with per-shard
// mutexes for its genuinely concurrent callers, which this registry
// does not have.
package logicregistry

import (
	"fmt"
	"strings"
)

// DeviceTypeKind enumerates the LogicDeviceType variants named in the
// data model.
type DeviceTypeKind int

const (
	Block DeviceTypeKind = iota
	RawBlock
	Volume
	Net
	Fb
	Uart
	Input
	Gpio
	Platform
	Thermal
	Battery
	Timer
)

func (k DeviceTypeKind) String() string {
	names := [...]string{
		"block", "raw_block", "volume", "net", "fb", "uart",
		"input", "gpio", "platform", "thermal", "battery", "timer",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// PartitionMetadata is the supplemented partition-shape payload a
// Block/RawBlock entry carries (original_source/src/utils/gpt.rs,
// mbr.rs): richer than a bare placeholder, matching what an actual
// partition prober would attach. Unicorn never constructs this itself
// (no partition-parsing algorithm is reimplemented); it only stores
// whatever a prober passes into REGISTER_LOGIC.
type PartitionMetadata struct {
	Scheme         string // "gpt" | "mbr" | "none"
	PartitionIndex uint32
	StartLBA       uint64
	SizeLBA        uint64
	TypeGUID       string // GPT partition type GUID, empty for MBR/none
	MBRType        uint8  // MBR partition type byte, 0 for GPT/none
}

// ThermalReading, BatteryReading and TimerReading are the supplemented
// scalar payloads for the Thermal/Battery/Timer variants
// (original_source/src/unicorn/device.rs): the distilled spec names
// the variant but not the data it carries.
type ThermalReading struct {
	Zone       int
	CriticalC  float64
}

type BatteryReading struct {
	CapacityPct int
}

type TimerReading struct {
	ResolutionNs uint64
}

// DeviceType is a LogicDeviceDesc's dev_type field: a tagged union of
// the twelve kinds above, with the extra payload the kind needs.
type DeviceType struct {
	Kind      DeviceTypeKind
	Partition *PartitionMetadata // Block, RawBlock
	Thermal   *ThermalReading
	Battery   *BatteryReading
	Timer     *TimerReading
}

// Desc is a LogicDeviceDesc: what a driver reports when registering a
// logical device.
type Desc struct {
	ParentName string
	DevType    DeviceType
	Badge      *uint64 // nil means "move", non-nil means "mint with this badge"
}

// EndpointCap stands in for the kernel endpoint capability a logic
// entry owns once registered; in this reimplementation it is simply
// the badge-qualified connection identity the wire layer hands back.
type EndpointCap struct {
	Badge uint64
	Slot  uint64 // CSpace-slot-style opaque identifier
}

// Entry is a LogicEntry: one registered logical device.
type Entry struct {
	ID           uint64
	Desc         Desc
	Endpoint     EndpointCap
	AssignedName string
}

// Registry owns every LogicEntry and its endpoint capability.
type Registry struct {
	devices  map[uint64]*Entry
	order    []uint64 // insertion order, for QUERY's documented ordering
	nextID   uint64
	nextSlot uint64

	counters     map[DeviceTypeKind]int
	blockCounts  map[string]int // parentName -> current Block/Volume count
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		devices:     make(map[uint64]*Entry),
		counters:    make(map[DeviceTypeKind]int),
		blockCounts: make(map[string]int),
	}
}

// mint (or move, if desc.Badge is nil) allocates a fresh CSpace-style
// slot for the incoming capability. This frees the conceptual receive
// window for the next message, mirroring the discipline the spec
// requires of REGISTER_LOGIC and HOOK: retain before returning.
func (r *Registry) mint(badge uint64, desc Desc) EndpointCap {
	r.nextSlot++
	effective := badge
	if desc.Badge != nil {
		effective = *desc.Badge
	}
	return EndpointCap{Badge: effective, Slot: r.nextSlot}
}

// assignName computes the stable, never-reused name for a new entry of
// the given kind, per the naming rules in the component design.
func (r *Registry) assignName(kind DeviceTypeKind, parentName string) string {
	switch kind {
	case RawBlock:
		n := r.counters[RawBlock]
		r.counters[RawBlock] = n + 1
		return fmt.Sprintf("disk%d", n)
	case Block, Volume:
		k := r.blockCounts[parentName]
		r.blockCounts[parentName] = k + 1
		return fmt.Sprintf("%sp%d", parentName, k+1)
	case Net:
		n := r.counters[Net]
		r.counters[Net] = n + 1
		return fmt.Sprintf("net%d", n)
	case Fb:
		n := r.counters[Fb]
		r.counters[Fb] = n + 1
		return fmt.Sprintf("fb%d", n)
	case Uart:
		n := r.counters[Uart]
		r.counters[Uart] = n + 1
		return fmt.Sprintf("uart%d", n)
	case Input:
		n := r.counters[Input]
		r.counters[Input] = n + 1
		return fmt.Sprintf("input%d", n)
	case Gpio:
		n := r.counters[Gpio]
		r.counters[Gpio] = n + 1
		return fmt.Sprintf("gpio%d", n)
	case Platform:
		return "platform"
	case Thermal:
		n := r.counters[Thermal]
		r.counters[Thermal] = n + 1
		return fmt.Sprintf("thermal%d", n)
	case Battery:
		n := r.counters[Battery]
		r.counters[Battery] = n + 1
		return fmt.Sprintf("battery%d", n)
	case Timer:
		n := r.counters[Timer]
		r.counters[Timer] = n + 1
		return fmt.Sprintf("timer%d", n)
	default:
		n := r.counters[kind]
		r.counters[kind] = n + 1
		return fmt.Sprintf("dev%d", n)
	}
}

// HookNotifier is called once per newly registered entry so the
// caller (the server, wiring to HookTable) can fire matching hooks
// before Register returns — hook notifications happen before the
// REGISTER_LOGIC reply is sent, per the ordering guarantee.
type HookNotifier func(entry *Entry)

// Register records a new logical device, assigns its name, and
// invokes notify for hook firing before returning, so a subscriber
// that reacts to the notification already sees the registration
// committed.
func (r *Registry) Register(callerBadge uint64, desc Desc, notify HookNotifier) *Entry {
	r.nextID++
	id := r.nextID

	entry := &Entry{
		ID:           id,
		Desc:         desc,
		Endpoint:     r.mint(callerBadge, desc),
		AssignedName: r.assignName(desc.DevType.Kind, desc.ParentName),
	}
	r.devices[id] = entry
	r.order = append(r.order, id)

	if notify != nil {
		notify(entry)
	}
	return entry
}

// Alloc returns a badged copy of the endpoint capability for the
// logic device of the given kind whose assigned name matches
// criteria, or ok=false if none match.
func (r *Registry) Alloc(callerBadge uint64, kind DeviceTypeKind, criteria string) (EndpointCap, bool) {
	for _, id := range r.order {
		e := r.devices[id]
		if e.Desc.DevType.Kind == kind && e.AssignedName == criteria {
			r.nextSlot++
			return EndpointCap{Badge: callerBadge, Slot: r.nextSlot}, true
		}
	}
	return EndpointCap{}, false
}

// Query filters entries conjunctively by name substring, compatible
// match, and dev_type; it returns assigned names in registration
// order.
type Query struct {
	Name       *string
	Compatible []string
	DevType    *DeviceTypeKind
}

// NodeNamer resolves a logic entry's physical parent node name for the
// name-filter match against desc.name, matching the physical device
// name as well as the assigned logical name.
type NodeNamer func(parentName string) (nodeDesc string, ok bool)

func (r *Registry) QueryNames(q Query, namer NodeNamer) []string {
	var out []string
	for _, id := range r.order {
		e := r.devices[id]
		if q.DevType != nil && e.Desc.DevType.Kind != *q.DevType {
			continue
		}
		if q.Name != nil {
			nodeName := e.Desc.ParentName
			if namer != nil {
				if nm, ok := namer(e.Desc.ParentName); ok {
					nodeName = nm
				}
			}
			if !strings.Contains(e.AssignedName, *q.Name) && !strings.Contains(nodeName, *q.Name) {
				continue
			}
		}
		if len(q.Compatible) > 0 {
			matched := false
			nodeName := e.Desc.ParentName
			if namer != nil {
				if nm, ok := namer(e.Desc.ParentName); ok {
					nodeName = nm
				}
			}
			for _, c := range q.Compatible {
				if c == e.AssignedName || c == nodeName {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, e.AssignedName)
	}
	return out
}

// GetByName does an exact match on assigned_name.
func (r *Registry) GetByName(name string) (*Entry, bool) {
	for _, id := range r.order {
		e := r.devices[id]
		if e.AssignedName == name {
			return e, true
		}
	}
	return nil, false
}

// Len reports how many logic entries are currently registered.
func (r *Registry) Len() int { return len(r.devices) }
