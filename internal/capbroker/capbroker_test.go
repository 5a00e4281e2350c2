package capbroker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glenda-dev/unicorn/internal/devicetree"
)

func fakeMapper(calls *int) Mapper {
	return func(baseAddr, size uint64) ([]byte, error) {
		*calls++
		return make([]byte, size), nil
	}
}

func TestGetMMIOCachesAfterFirstMap(t *testing.T) {
	var calls int
	b := New(fakeMapper(&calls))

	c1, err := b.GetMMIO(0x1000, 4096)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	c2, err := b.GetMMIO(0x1000, 4096)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "second request for the same base address must not remap")
	require.Equal(t, c1.BaseAddr, c2.BaseAddr)
}

func TestGetMMIODistinctBaseAddrsMapSeparately(t *testing.T) {
	var calls int
	b := New(fakeMapper(&calls))

	_, err := b.GetMMIO(0x1000, 4096)
	require.NoError(t, err)
	_, err = b.GetMMIO(0x2000, 4096)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestGetIRQCachesMintedCap(t *testing.T) {
	b := New(fakeMapper(new(int)))
	c1 := b.GetIRQ(32)
	c2 := b.GetIRQ(32)
	require.Equal(t, c1, c2)
}

func TestGetMMIORegionResolvesCallersOwnDescriptor(t *testing.T) {
	b := New(fakeMapper(new(int)))
	node := &devicetree.DeviceNode{
		Desc: devicetree.DeviceDesc{
			MMIO: []devicetree.MMIORegion{{BaseAddr: 0x1000, Size: 0x100}},
		},
	}

	cap, err := b.GetMMIORegion(node, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), cap.BaseAddr)
	require.Equal(t, uint64(0x100), cap.Size)
}

func TestGetMMIORegionRejectsIndexAtLength(t *testing.T) {
	b := New(fakeMapper(new(int)))
	node := &devicetree.DeviceNode{
		Desc: devicetree.DeviceDesc{
			MMIO: []devicetree.MMIORegion{{BaseAddr: 0x1000, Size: 0x100}},
		},
	}

	_, err := b.GetMMIORegion(node, 1)
	require.ErrorIs(t, err, ErrRegionIndexOutOfRange)
}

func TestGetIRQRegionResolvesCallersOwnDescriptor(t *testing.T) {
	b := New(fakeMapper(new(int)))
	node := &devicetree.DeviceNode{Desc: devicetree.DeviceDesc{IRQ: []uint32{33}}}

	cap, err := b.GetIRQRegion(node, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(33), cap.IRQ)
}

func TestGetIRQRegionRejectsIndexAtLength(t *testing.T) {
	b := New(fakeMapper(new(int)))
	node := &devicetree.DeviceNode{Desc: devicetree.DeviceDesc{IRQ: []uint32{33}}}

	_, err := b.GetIRQRegion(node, 1)
	require.ErrorIs(t, err, ErrRegionIndexOutOfRange)
}

func TestReleaseEvictsSlot(t *testing.T) {
	var calls int
	b := New(fakeMapper(&calls))

	_, err := b.GetMMIO(0x1000, 4096)
	require.NoError(t, err)
	b.Release(0x1000)

	_, err = b.GetMMIO(0x1000, 4096)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "releasing must force a remap on the next request")
}
