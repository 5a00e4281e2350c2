package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glenda-dev/unicorn/internal/capbroker"
	"github.com/glenda-dev/unicorn/internal/devicetree"
	"github.com/glenda-dev/unicorn/internal/driver"
	"github.com/glenda-dev/unicorn/internal/manifest"
)

func fakeMapper(baseAddr, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

// fakeSpawner stands in for a real driver process: it never execs
// anything, just hands back a deterministic incrementing pid so tests
// can exercise the badge-to-node binding GET_MMIO/GET_IRQ depend on.
type fakeSpawner struct {
	nextPid int
}

func (f *fakeSpawner) Spawn(ctx context.Context, binary string, args []string) (int, error) {
	f.nextPid++
	return f.nextPid, nil
}

// newTestServer builds a server around a tree whose root is "acpi",
// carrying one MMIO region and one IRQ line, with a launcher that has
// already spawned a driver for it — so ownedBadge is a badge bound to
// the root node the way a real connected driver's badge would be.
func newTestServer(t *testing.T) (s *Server, ownedBadge uint64) {
	t.Helper()
	tree := devicetree.New()
	root, err := tree.Insert(nil, devicetree.DeviceDesc{
		Name: "acpi",
		MMIO: []devicetree.MMIORegion{{BaseAddr: 0x1000, Size: 0x100}},
		IRQ:  []uint32{33},
	})
	require.NoError(t, err)

	mf, err := manifest.Parse([]byte(`{"drivers":[{"name":"platd","compatible":["acpi"]}]}`))
	require.NoError(t, err)
	spawner := &fakeSpawner{}
	launcher := driver.NewLauncher(driver.NewMatcher(mf), spawner)
	launcher.ScanSubtree(tree, []devicetree.DeviceId{root})
	launched := launcher.DrainPending(context.Background(), tree)
	require.Equal(t, []devicetree.DeviceId{root}, launched)

	s = New(Config{
		Tree:     tree,
		Caps:     capbroker.New(fakeMapper),
		Launcher: launcher,
	})

	id, ok := launcher.NodeForBadge(uint64(spawner.nextPid))
	require.True(t, ok)
	require.Equal(t, root, id)
	return s, uint64(spawner.nextPid)
}

func TestDispatchReportMountsSubtreeAndQueuesScan(t *testing.T) {
	s, _ := newTestServer(t)
	root, ok := s.tree.Root()
	require.True(t, ok)

	req := reportRequest{
		MountIndex: root.Index,
		MountGen:   root.Generation,
		Nodes: []reportNode{
			{Parent: devicetree.ParentIsMount, Name: "virtio0", Compatible: []string{"virtio-net"}},
		},
	}
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	reply, err := s.dispatch(1, MethodReport, payload)
	require.NoError(t, err)

	var rep reportReply
	require.NoError(t, json.Unmarshal(reply, &rep))
	require.Len(t, rep.Ids, 1)

	node, ok := s.tree.FindByName(root, "virtio0")
	require.True(t, ok)
	n, ok := s.tree.Get(node)
	require.True(t, ok)
	require.Equal(t, devicetree.Ready, n.State)
}

func TestDispatchQueryFiltersByDevType(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(1, MethodRegisterLogic, mustJSON(t, registerLogicRequest{
		ParentName: "virtio0", DevType: "net",
	}))
	require.NoError(t, err)

	reply, err := s.dispatch(1, MethodQuery, mustJSON(t, queryRequest{DevType: strPtr("net")}))
	require.NoError(t, err)

	var rep queryReply
	require.NoError(t, json.Unmarshal(reply, &rep))
	require.Equal(t, []string{"net0"}, rep.Names)
}

func TestDispatchGetMMIOCachesByRegionIndex(t *testing.T) {
	s, badge := newTestServer(t)
	payload := mustJSON(t, getMMIORequest{RegionIndex: 0})

	r1, err := s.dispatch(badge, MethodGetMMIO, payload)
	require.NoError(t, err)
	r2, err := s.dispatch(badge, MethodGetMMIO, payload)
	require.NoError(t, err)
	require.JSONEq(t, string(r1), string(r2))

	var rep getMMIOReply
	require.NoError(t, json.Unmarshal(r1, &rep))
	require.Equal(t, uint64(0x1000), rep.BaseAddr)
	require.Equal(t, uint64(0x100), rep.Size)
}

func TestDispatchGetMMIORejectsRegionIndexAtLength(t *testing.T) {
	s, badge := newTestServer(t)
	_, err := s.dispatch(badge, MethodGetMMIO, mustJSON(t, getMMIORequest{RegionIndex: 1}))
	require.Error(t, err, "the node only has one MMIO region; index 1 is out of range")
}

func TestDispatchGetMMIORejectsUnownedBadge(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(999, MethodGetMMIO, mustJSON(t, getMMIORequest{RegionIndex: 0}))
	require.Error(t, err, "badge 999 was never bound to any spawned node")
}

func TestDispatchGetIRQRegistersHandler(t *testing.T) {
	s, badge := newTestServer(t)
	reply, err := s.dispatch(badge, MethodGetIRQ, mustJSON(t, getIRQRequest{RegionIndex: 0}))
	require.NoError(t, err)

	var rep getIRQReply
	require.NoError(t, json.Unmarshal(reply, &rep))
	require.Equal(t, uint32(33), rep.IRQ)

	var unrouted []uint32
	s.irqs.Route(33, func(irq uint32) { unrouted = append(unrouted, irq) })
	require.Empty(t, unrouted, "irq 33 should now be routed, not reported unknown")
}

func TestDispatchGetIRQRejectsRegionIndexAtLength(t *testing.T) {
	s, badge := newTestServer(t)
	_, err := s.dispatch(badge, MethodGetIRQ, mustJSON(t, getIRQRequest{RegionIndex: 1}))
	require.Error(t, err, "the node only has one IRQ line; index 1 is out of range")
}

func TestDispatchAllocLogicMatchesRegisteredName(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(1, MethodRegisterLogic, mustJSON(t, registerLogicRequest{
		ParentName: "disk0", DevType: "raw_block",
	}))
	require.NoError(t, err)

	reply, err := s.dispatch(2, MethodAllocLogic, mustJSON(t, allocLogicRequest{
		DevType: "raw_block", Criteria: "disk0",
	}))
	require.NoError(t, err)

	var rep allocLogicReply
	require.NoError(t, json.Unmarshal(reply, &rep))
	require.NotZero(t, rep.Slot)
}

func TestDispatchAllocLogicFailsWhenNoMatch(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(2, MethodAllocLogic, mustJSON(t, allocLogicRequest{
		DevType: "raw_block", Criteria: "disk0",
	}))
	require.Error(t, err)
}

func TestDispatchHookReturnsNoReplySentinel(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(1, MethodHook, mustJSON(t, hookRequest{Name: "irq.unknown", Token: 5}))
	require.ErrorIs(t, err, ErrNoReply)
	require.Equal(t, 1, s.hooks.SubscriberCount("irq.unknown"))
}

func TestDispatchUnknownMethodFails(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(1, 99, nil)
	require.Error(t, err)
}

// --- SCAN_PLATFORM / UPDATE / GET_DESC / GET_LOGIC_DESC ------------------

func TestDispatchScanPlatformIsIdempotentWithNoTreeChanges(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.dispatch(1, MethodScanPlatform, nil)
	require.NoError(t, err)
	require.Equal(t, 0, s.launcher.PendingCount(), "the root already has a running driver; nothing new should queue")

	_, err = s.dispatch(1, MethodScanPlatform, nil)
	require.NoError(t, err)
	require.Equal(t, 0, s.launcher.PendingCount(), "calling SCAN_PLATFORM twice must not queue additional spawns")
}

func TestDispatchScanPlatformQueuesNewlyReadyNode(t *testing.T) {
	s, _ := newTestServer(t)
	root, ok := s.tree.Root()
	require.True(t, ok)

	_, err := s.tree.MountSubtree(root, []devicetree.DeviceDescNode{
		{Parent: devicetree.ParentIsMount, Desc: devicetree.DeviceDesc{Name: "virtio0", Compatible: []string{"acpi"}}},
	})
	require.NoError(t, err)

	_, err = s.dispatch(1, MethodScanPlatform, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.launcher.PendingCount(), "the freshly mounted Ready node should match the manifest and queue")
}

func TestDispatchUpdateReplacesCompatibleAndReenqueues(t *testing.T) {
	s, _ := newTestServer(t)
	root, ok := s.tree.Root()
	require.True(t, ok)

	node, ok := s.tree.Get(root)
	require.True(t, ok)
	node.State = devicetree.Error // simulate a failed probe needing an update

	_, err := s.dispatch(1, MethodUpdate, mustJSON(t, updateRequest{
		Index: root.Index, Generation: root.Generation, Compatible: []string{"acpi", "platform-bus"},
	}))
	require.NoError(t, err)

	updated, ok := s.tree.Get(root)
	require.True(t, ok)
	require.Equal(t, []string{"acpi", "platform-bus"}, updated.Desc.Compatible)
	require.Equal(t, devicetree.Ready, updated.State)
	require.Equal(t, 1, s.launcher.PendingCount(), "UPDATE must re-queue the node for matching")
}

func TestDispatchUpdateFailsForUnknownNode(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(1, MethodUpdate, mustJSON(t, updateRequest{Index: 99, Generation: 0}))
	require.Error(t, err)
}

func TestDispatchGetDescReturnsNodeDescriptor(t *testing.T) {
	s, _ := newTestServer(t)

	reply, err := s.dispatch(1, MethodGetDesc, mustJSON(t, getDescRequest{Name: "acpi"}))
	require.NoError(t, err)

	var rep getDescReply
	require.NoError(t, json.Unmarshal(reply, &rep))
	require.Equal(t, "acpi", rep.Name)
	require.Equal(t, []mmioRegionReply{{BaseAddr: 0x1000, Size: 0x100}}, rep.MMIO)
	require.Equal(t, []uint32{33}, rep.IRQ)
}

func TestDispatchGetDescFailsForUnknownName(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(1, MethodGetDesc, mustJSON(t, getDescRequest{Name: "nope"}))
	require.Error(t, err)
}

func TestDispatchGetLogicDescReturnsRegisteredDescriptor(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(1, MethodRegisterLogic, mustJSON(t, registerLogicRequest{
		ParentName: "disk0", DevType: "raw_block",
	}))
	require.NoError(t, err)

	reply, err := s.dispatch(1, MethodGetLogicDesc, mustJSON(t, getLogicDescRequest{Name: "disk0"}))
	require.NoError(t, err)

	var rep getLogicDescReply
	require.NoError(t, json.Unmarshal(reply, &rep))
	require.Equal(t, "disk0", rep.ParentName)
	require.Equal(t, "raw_block", rep.DevType)
}

func TestDispatchGetLogicDescFailsForUnknownName(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.dispatch(1, MethodGetLogicDesc, mustJSON(t, getLogicDescRequest{Name: "nope"}))
	require.Error(t, err)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func strPtr(s string) *string { return &s }
