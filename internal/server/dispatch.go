package server

import (
	"encoding/json"
	"fmt"

	"github.com/glenda-dev/unicorn/internal/devicetree"
	"github.com/glenda-dev/unicorn/internal/hooktable"
	"github.com/glenda-dev/unicorn/internal/logicregistry"
)

// dispatch routes one decoded message to its handler by method number.
// It never mutates state from inside a hook callback's own send path —
// every handler here either finishes synchronously or, for REPORT,
// only queues work for the next deferred drain.
func (s *Server) dispatch(badge uint64, method uint16, payload []byte) ([]byte, error) {
	switch method {
	case MethodReport:
		return s.handleReport(badge, payload)
	case MethodQuery:
		return s.handleQuery(payload)
	case MethodGetMMIO:
		return s.handleGetMMIO(badge, payload)
	case MethodGetIRQ:
		return s.handleGetIRQ(badge, payload)
	case MethodRegisterLogic:
		return s.handleRegisterLogic(badge, payload)
	case MethodAllocLogic:
		return s.handleAllocLogic(badge, payload)
	case MethodHook:
		return s.handleHook(badge, payload)
	case MethodUnhook:
		return nil, fmt.Errorf("server: unhook not implemented")
	case MethodIRQAck:
		return s.handleIRQAck(payload)
	case MethodScanPlatform:
		return s.handleScanPlatform()
	case MethodUpdate:
		return s.handleUpdate(badge, payload)
	case MethodGetDesc:
		return s.handleGetDesc(payload)
	case MethodGetLogicDesc:
		return s.handleGetLogicDesc(payload)
	default:
		return nil, fmt.Errorf("server: unknown method %d", method)
	}
}

// --- REPORT -----------------------------------------------------------

type reportNode struct {
	Parent     uint32            `json:"parent"`
	Name       string            `json:"name"`
	Compatible []string          `json:"compatible"`
	MMIO       []mmioRegionReply `json:"mmio"`
	IRQ        []uint32          `json:"irq"`
}

type reportRequest struct {
	MountIndex uint32       `json:"mount_index"`
	MountGen   uint32       `json:"mount_generation"`
	Nodes      []reportNode `json:"nodes"`
}

type reportReply struct {
	Ids []uint64 `json:"ids"` // packed (index<<32 | generation) per mounted node
}

func (s *Server) handleReport(badge uint64, payload []byte) ([]byte, error) {
	var req reportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid REPORT payload: %w", err)
	}

	mountPoint := devicetree.DeviceId{Index: req.MountIndex, Generation: req.MountGen}
	owner, err := s.ownerNode(badge)
	if err != nil {
		return nil, fmt.Errorf("server: REPORT: %w", err)
	}
	if owner.ID != mountPoint {
		return nil, fmt.Errorf("server: REPORT: badge %d may only mount under its own node", badge)
	}
	nodes := make([]devicetree.DeviceDescNode, len(req.Nodes))
	for i, n := range req.Nodes {
		mmio := make([]devicetree.MMIORegion, len(n.MMIO))
		for j, m := range n.MMIO {
			mmio[j] = devicetree.MMIORegion{BaseAddr: m.BaseAddr, Size: m.Size}
		}
		nodes[i] = devicetree.DeviceDescNode{
			Parent: n.Parent,
			Desc: devicetree.DeviceDesc{
				Name:       n.Name,
				Compatible: n.Compatible,
				MMIO:       mmio,
				IRQ:        n.IRQ,
			},
		}
	}

	ids, err := s.tree.MountSubtree(mountPoint, nodes)
	if err != nil {
		return nil, fmt.Errorf("server: REPORT: %w", err)
	}

	if s.launcher != nil {
		s.launcher.ScanSubtree(s.tree, ids)
	}

	packed := make([]uint64, len(ids))
	for i, id := range ids {
		packed[i] = uint64(id.Index)<<32 | uint64(id.Generation)
	}
	return json.Marshal(reportReply{Ids: packed})
}

// --- QUERY --------------------------------------------------------------

type queryRequest struct {
	Name       *string  `json:"name,omitempty"`
	Compatible []string `json:"compatible,omitempty"`
	DevType    *string  `json:"dev_type,omitempty"`
}

type queryReply struct {
	Names []string `json:"names"`
}

func (s *Server) handleQuery(payload []byte) ([]byte, error) {
	var req queryRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("server: invalid QUERY payload: %w", err)
		}
	}

	q := logicregistry.Query{Name: req.Name, Compatible: req.Compatible}
	if req.DevType != nil {
		kind, ok := parseDevType(*req.DevType)
		if !ok {
			return nil, fmt.Errorf("server: unknown dev_type %q", *req.DevType)
		}
		q.DevType = &kind
	}

	names := s.logic.QueryNames(q, nil)
	return json.Marshal(queryReply{Names: names})
}

func parseDevType(name string) (logicregistry.DeviceTypeKind, bool) {
	kinds := []logicregistry.DeviceTypeKind{
		logicregistry.Block, logicregistry.RawBlock, logicregistry.Volume,
		logicregistry.Net, logicregistry.Fb, logicregistry.Uart,
		logicregistry.Input, logicregistry.Gpio, logicregistry.Platform,
		logicregistry.Thermal, logicregistry.Battery, logicregistry.Timer,
	}
	for _, k := range kinds {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// --- GET_MMIO / GET_IRQ ---------------------------------------------------
//
// Both requests name a region_index into the caller's own device node,
// never a raw physical address or IRQ number: ownerNode resolves badge
// back to that node via the launcher's pid binding, then the broker
// bounds-checks region_index against that node's own descriptor before
// minting anything. A driver can only ever request resources its own
// node advertised.

// ownerNode resolves badge to the device node it was spawned for,
// refusing the request if the badge owns no node at all.
func (s *Server) ownerNode(badge uint64) (*devicetree.DeviceNode, error) {
	if s.launcher == nil {
		return nil, fmt.Errorf("server: badge %d: no driver launcher configured", badge)
	}
	id, ok := s.launcher.NodeForBadge(badge)
	if !ok {
		return nil, fmt.Errorf("server: badge %d owns no device node", badge)
	}
	node, ok := s.tree.Get(id)
	if !ok {
		return nil, fmt.Errorf("server: badge %d: owned node %+v no longer resolves", badge, id)
	}
	return node, nil
}

type getMMIORequest struct {
	RegionIndex uint32 `json:"region_index"`
}

type getMMIOReply struct {
	BaseAddr uint64 `json:"base_addr"`
	Size     uint64 `json:"size"`
}

func (s *Server) handleGetMMIO(badge uint64, payload []byte) ([]byte, error) {
	var req getMMIORequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid GET_MMIO payload: %w", err)
	}
	node, err := s.ownerNode(badge)
	if err != nil {
		return nil, fmt.Errorf("server: GET_MMIO: %w", err)
	}
	cap, err := s.caps.GetMMIORegion(node, req.RegionIndex)
	if err != nil {
		return nil, fmt.Errorf("server: GET_MMIO: region_index %d: %w", req.RegionIndex, err)
	}
	return json.Marshal(getMMIOReply{BaseAddr: cap.BaseAddr, Size: cap.Size})
}

type getIRQRequest struct {
	RegionIndex uint32 `json:"region_index"`
}

type getIRQReply struct {
	IRQ uint32 `json:"irq"`
}

func (s *Server) handleGetIRQ(badge uint64, payload []byte) ([]byte, error) {
	var req getIRQRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid GET_IRQ payload: %w", err)
	}
	node, err := s.ownerNode(badge)
	if err != nil {
		return nil, fmt.Errorf("server: GET_IRQ: %w", err)
	}
	cap, err := s.caps.GetIRQRegion(node, req.RegionIndex)
	if err != nil {
		return nil, fmt.Errorf("server: GET_IRQ: region_index %d: %w", req.RegionIndex, err)
	}
	s.irqs.Register(cap.IRQ, badge)
	return json.Marshal(getIRQReply{IRQ: cap.IRQ})
}

// --- REGISTER_LOGIC / ALLOC_LOGIC ----------------------------------------

type registerLogicRequest struct {
	ParentName string                           `json:"parent_name"`
	DevType    string                           `json:"dev_type"`
	Partition  *logicregistry.PartitionMetadata `json:"partition,omitempty"`
}

type registerLogicReply struct {
	AssignedName string `json:"assigned_name"`
}

func (s *Server) handleRegisterLogic(badge uint64, payload []byte) ([]byte, error) {
	var req registerLogicRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid REGISTER_LOGIC payload: %w", err)
	}
	kind, ok := parseDevType(req.DevType)
	if !ok {
		return nil, fmt.Errorf("server: unknown dev_type %q", req.DevType)
	}

	entry := s.logic.Register(badge, logicregistry.Desc{
		ParentName: req.ParentName,
		DevType:    logicregistry.DeviceType{Kind: kind, Partition: req.Partition},
	}, func(e *logicregistry.Entry) {
		s.tree.AppendLogicDevice(req.ParentName, e.ID)
		if s.metrics != nil {
			s.metrics.LogicDevices.Inc()
			s.metrics.HooksFired.WithLabelValues("logic.registered").Inc()
		}
		notifyPayload, _ := json.Marshal(map[string]string{"name": e.AssignedName})
		_ = s.hooks.Fire("logic.registered", hooktable.Event{Name: "logic.registered", Payload: notifyPayload}, s.send)
	})

	return json.Marshal(registerLogicReply{AssignedName: entry.AssignedName})
}

type allocLogicRequest struct {
	DevType  string `json:"dev_type"`
	Criteria string `json:"criteria"`
}

type allocLogicReply struct {
	Slot uint64 `json:"slot"`
}

func (s *Server) handleAllocLogic(badge uint64, payload []byte) ([]byte, error) {
	var req allocLogicRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid ALLOC_LOGIC payload: %w", err)
	}
	kind, ok := parseDevType(req.DevType)
	if !ok {
		return nil, fmt.Errorf("server: unknown dev_type %q", req.DevType)
	}
	cap, ok := s.logic.Alloc(badge, kind, req.Criteria)
	if !ok {
		return nil, fmt.Errorf("server: no logic device matches %s/%s", req.DevType, req.Criteria)
	}
	return json.Marshal(allocLogicReply{Slot: cap.Slot})
}

// --- HOOK / IRQ_ACK -------------------------------------------------------

type hookRequest struct {
	Name  string `json:"name"`
	Token uint64 `json:"token"`
}

func (s *Server) handleHook(badge uint64, payload []byte) ([]byte, error) {
	var req hookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid HOOK payload: %w", err)
	}
	if err := s.hooks.Subscribe(req.Name, hooktable.Target{Badge: badge, Token: req.Token}, s.send); err != nil {
		return nil, fmt.Errorf("server: HOOK replay: %w", err)
	}
	return nil, ErrNoReply
}

type irqAckRequest struct {
	IRQ uint32 `json:"irq"`
}

func (s *Server) handleIRQAck(payload []byte) ([]byte, error) {
	var req irqAckRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid IRQ_ACK payload: %w", err)
	}
	return nil, ErrNoReply
}

// --- SCAN_PLATFORM / UPDATE / GET_DESC / GET_LOGIC_DESC ------------------

// ackReply is the empty-bodied reply for a handler that only needs to
// confirm it ran; it carries no fields, distinguishing a normal empty
// reply from ErrNoReply's "send nothing at all".
type ackReply struct{}

// handleScanPlatform re-walks the whole tree from the root and queues a
// spawn for every node that is still Ready. Running and Error nodes are
// skipped by ScanSubtree itself, so calling this twice with no
// intervening tree change queues nothing the second time.
func (s *Server) handleScanPlatform() ([]byte, error) {
	root, ok := s.tree.Root()
	if !ok {
		return nil, fmt.Errorf("server: SCAN_PLATFORM: no root platform node")
	}
	ids, err := s.tree.BFSFrom(root)
	if err != nil {
		return nil, fmt.Errorf("server: SCAN_PLATFORM: %w", err)
	}
	if s.launcher != nil {
		s.launcher.ScanSubtree(s.tree, ids)
	}
	return json.Marshal(ackReply{})
}

type updateRequest struct {
	Index      uint32   `json:"index"`
	Generation uint32   `json:"generation"`
	Compatible []string `json:"compatible"`
}

// handleUpdate replaces a node's compatible list, resets it to Ready,
// and re-queues it for matching — the path a driver uses to advertise
// a more specific compatible string once it has finished probing its
// own device.
func (s *Server) handleUpdate(badge uint64, payload []byte) ([]byte, error) {
	var req updateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid UPDATE payload: %w", err)
	}

	id := devicetree.DeviceId{Index: req.Index, Generation: req.Generation}
	node, ok := s.tree.Get(id)
	if !ok {
		return nil, fmt.Errorf("server: UPDATE: invalid node %+v", id)
	}

	node.Desc.Compatible = req.Compatible
	s.tree.SetState(id, devicetree.Ready)
	if s.launcher != nil {
		s.launcher.ScanSubtree(s.tree, []devicetree.DeviceId{id})
	}
	return json.Marshal(ackReply{})
}

type getDescRequest struct {
	Name string `json:"name"`
}

type mmioRegionReply struct {
	BaseAddr uint64 `json:"base_addr"`
	Size     uint64 `json:"size"`
}

type getDescReply struct {
	Name       string            `json:"name"`
	Compatible []string          `json:"compatible"`
	MMIO       []mmioRegionReply `json:"mmio"`
	IRQ        []uint32          `json:"irq"`
}

// handleGetDesc does a BFS name lookup from the tree root and returns
// the matching node's own descriptor.
func (s *Server) handleGetDesc(payload []byte) ([]byte, error) {
	var req getDescRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid GET_DESC payload: %w", err)
	}

	root, ok := s.tree.Root()
	if !ok {
		return nil, fmt.Errorf("server: GET_DESC: no root platform node")
	}
	id, ok := s.tree.FindByName(root, req.Name)
	if !ok {
		return nil, fmt.Errorf("server: GET_DESC: no node named %q", req.Name)
	}
	node, _ := s.tree.Get(id)

	mmio := make([]mmioRegionReply, len(node.Desc.MMIO))
	for i, m := range node.Desc.MMIO {
		mmio[i] = mmioRegionReply{BaseAddr: m.BaseAddr, Size: m.Size}
	}
	return json.Marshal(getDescReply{
		Name:       node.Desc.Name,
		Compatible: node.Desc.Compatible,
		MMIO:       mmio,
		IRQ:        node.Desc.IRQ,
	})
}

type getLogicDescRequest struct {
	Name string `json:"name"`
}

type getLogicDescReply struct {
	ParentName string `json:"parent_name"`
	DevType    string `json:"dev_type"`
}

// handleGetLogicDesc looks up a registered logical device by its
// assigned name and returns the descriptor it was registered with.
func (s *Server) handleGetLogicDesc(payload []byte) ([]byte, error) {
	var req getLogicDescRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("server: invalid GET_LOGIC_DESC payload: %w", err)
	}

	entry, ok := s.logic.GetByName(req.Name)
	if !ok {
		return nil, fmt.Errorf("server: GET_LOGIC_DESC: no logic device named %q", req.Name)
	}
	return json.Marshal(getLogicDescReply{
		ParentName: entry.Desc.ParentName,
		DevType:    entry.Desc.DevType.Kind.String(),
	})
}
