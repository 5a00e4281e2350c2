package platform

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFdt assembles a minimal, single-node flattened device tree blob
// for testing: a node named "acpi" with compatible, reg and
// interrupts properties.
func buildFdt(t *testing.T) []byte {
	t.Helper()

	strTab := []byte("compatible\x00reg\x00interrupts\x00")
	compatibleOff := uint32(0)
	regOff := uint32(len("compatible\x00"))
	interruptsOff := regOff + uint32(len("reg\x00"))

	var structBlock []byte
	putU32 := func(v uint32) {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		structBlock = append(structBlock, b...)
	}
	putAligned := func(b []byte) {
		structBlock = append(structBlock, b...)
		for len(structBlock)%4 != 0 {
			structBlock = append(structBlock, 0)
		}
	}

	putU32(fdtBeginNode)
	putAligned([]byte("acpi\x00"))

	compatibleVal := []byte("acpi\x00")
	putU32(fdtProp)
	putU32(uint32(len(compatibleVal)))
	putU32(compatibleOff)
	putAligned(compatibleVal)

	regVal := make([]byte, 16)
	binary.BigEndian.PutUint64(regVal[0:8], 0x9000000)
	binary.BigEndian.PutUint64(regVal[8:16], 0x1000)
	putU32(fdtProp)
	putU32(uint32(len(regVal)))
	putU32(regOff)
	putAligned(regVal)

	irqVal := make([]byte, 4)
	binary.BigEndian.PutUint32(irqVal, 33)
	putU32(fdtProp)
	putU32(uint32(len(irqVal)))
	putU32(interruptsOff)
	putAligned(irqVal)

	putU32(fdtEndNode)
	putU32(fdtEnd)

	const headerSize = 40
	structOff := uint32(headerSize)
	stringsOff := structOff + uint32(len(structBlock))
	total := stringsOff + uint32(len(strTab))

	blob := make([]byte, total)
	binary.BigEndian.PutUint32(blob[0:4], fdtMagic)
	binary.BigEndian.PutUint32(blob[4:8], total)
	binary.BigEndian.PutUint32(blob[8:12], structOff)
	binary.BigEndian.PutUint32(blob[12:16], stringsOff)
	binary.BigEndian.PutUint32(blob[16:20], 0)
	binary.BigEndian.PutUint32(blob[20:24], 17)
	binary.BigEndian.PutUint32(blob[24:28], 16)
	binary.BigEndian.PutUint32(blob[28:32], 0)
	binary.BigEndian.PutUint32(blob[32:36], uint32(len(strTab)))
	binary.BigEndian.PutUint32(blob[36:40], uint32(len(structBlock)))

	copy(blob[structOff:], structBlock)
	copy(blob[stringsOff:], strTab)
	return blob
}

func TestParseDtbExtractsNode(t *testing.T) {
	blob := buildFdt(t)
	nodes, err := ParseDtb(blob)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	n := nodes[0]
	require.Equal(t, "acpi", n.Name)
	require.Equal(t, []string{"acpi"}, n.Compatible)
	require.Len(t, n.MMIO, 1)
	require.Equal(t, uint64(0x9000000), n.MMIO[0].BaseAddr)
	require.Equal(t, uint64(0x1000), n.MMIO[0].Size)
	require.Equal(t, []uint32{33}, n.IRQ)
}

func TestParseDtbRejectsBadMagic(t *testing.T) {
	blob := make([]byte, 64)
	_, err := ParseDtb(blob)
	require.Error(t, err)
}

func TestDtbToDeviceDescNodesRootsAtMount(t *testing.T) {
	nodes := DtbToDeviceDescNodes([]DtbNode{{Name: "acpi", Compatible: []string{"acpi"}}})
	require.Len(t, nodes, 1)
	require.Equal(t, "acpi", nodes[0].Desc.Name)
}
