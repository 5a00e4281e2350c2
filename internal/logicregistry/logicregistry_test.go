package logicregistry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsRawBlockName(t *testing.T) {
	r := New()
	e := r.Register(1, Desc{ParentName: "nvme0", DevType: DeviceType{Kind: RawBlock}}, nil)
	require.Equal(t, "disk0", e.AssignedName)

	e2 := r.Register(1, Desc{ParentName: "nvme1", DevType: DeviceType{Kind: RawBlock}}, nil)
	require.Equal(t, "disk1", e2.AssignedName)
}

func TestRegisterAssignsPartitionNames(t *testing.T) {
	r := New()
	p1 := r.Register(1, Desc{ParentName: "disk0", DevType: DeviceType{Kind: Block}}, nil)
	p2 := r.Register(1, Desc{ParentName: "disk0", DevType: DeviceType{Kind: Block}}, nil)
	require.Equal(t, "disk0p1", p1.AssignedName)
	require.Equal(t, "disk0p2", p2.AssignedName)
}

func TestRegisterAssignsTypedCounters(t *testing.T) {
	r := New()
	n := r.Register(1, Desc{DevType: DeviceType{Kind: Net}}, nil)
	fb := r.Register(1, Desc{DevType: DeviceType{Kind: Fb}}, nil)
	require.Equal(t, "net0", n.AssignedName)
	require.Equal(t, "fb0", fb.AssignedName)
}

func TestRegisterPlatformIsSingleton(t *testing.T) {
	r := New()
	p1 := r.Register(1, Desc{DevType: DeviceType{Kind: Platform}}, nil)
	p2 := r.Register(1, Desc{DevType: DeviceType{Kind: Platform}}, nil)
	require.Equal(t, "platform", p1.AssignedName)
	require.Equal(t, "platform", p2.AssignedName)
}

func TestRegisterNotifiesHookBeforeReturning(t *testing.T) {
	r := New()
	var notified *Entry
	e := r.Register(1, Desc{DevType: DeviceType{Kind: Net}}, func(entry *Entry) {
		notified = entry
	})
	require.NotNil(t, notified)
	require.Equal(t, e.ID, notified.ID)
}

func TestAllocFindsRegisteredDevice(t *testing.T) {
	r := New()
	r.Register(1, Desc{DevType: DeviceType{Kind: Net}}, nil)
	cap, ok := r.Alloc(2, Net, "net0")
	require.True(t, ok)
	require.Equal(t, uint64(2), cap.Badge)
}

func TestAllocMissesUnknownCriteria(t *testing.T) {
	r := New()
	_, ok := r.Alloc(2, Net, "net9")
	require.False(t, ok)
}

func TestQueryNamesFiltersByDevType(t *testing.T) {
	r := New()
	r.Register(1, Desc{DevType: DeviceType{Kind: Net}}, nil)
	r.Register(1, Desc{DevType: DeviceType{Kind: Fb}}, nil)

	netKind := Net
	names := r.QueryNames(Query{DevType: &netKind}, nil)
	require.Equal(t, []string{"net0"}, names)
}

func TestQueryNamesFiltersByNameSubstring(t *testing.T) {
	r := New()
	r.Register(1, Desc{ParentName: "nvme0", DevType: DeviceType{Kind: RawBlock}}, nil)
	r.Register(1, Desc{ParentName: "nvme1", DevType: DeviceType{Kind: RawBlock}}, nil)

	name := "disk1"
	names := r.QueryNames(Query{Name: &name}, nil)
	require.Equal(t, []string{"disk1"}, names)
}

func TestGetByNameExactMatch(t *testing.T) {
	r := New()
	r.Register(1, Desc{DevType: DeviceType{Kind: Net}}, nil)
	e, ok := r.GetByName("net0")
	require.True(t, ok)
	require.Equal(t, Net, e.Desc.DevType.Kind)

	_, ok = r.GetByName("net9")
	require.False(t, ok)
}

func TestLenReflectsRegistrationCount(t *testing.T) {
	r := New()
	require.Equal(t, 0, r.Len())
	r.Register(1, Desc{DevType: DeviceType{Kind: Net}}, nil)
	require.Equal(t, 1, r.Len())
}
