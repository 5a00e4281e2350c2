// Package platform implements the boot-time device discovery Unicorn
// runs before accepting any driver connections: walking the PCI
// configuration space and parsing a flattened device tree blob, each
// producing the flat DeviceDescNode list a MountSubtree call expects.
//
// Grounded on original_source/src/pci.rs's PciManager: the same
// bus/dev/func nested scan and ECAM address computation, generalized
// from raw volatile pointer reads to indexed reads of an ECAM window
// mapped with unix.Mmap (the teacher's own golang.org/x/sys/unix use
// for raw syscalls, rather than the unsafe-pointer style the original
// language favors).
package platform

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/glenda-dev/unicorn/internal/devicetree"
)

// PciFunction is one discovered PCI function.
type PciFunction struct {
	Bus, Dev, Func   uint8
	VendorID, DeviceID uint16
}

// PciReader performs a config-space read of size bytes (1, 2 or 4) at
// offset for the given bus/dev/func; the real implementation maps the
// ECAM window, tests substitute a fake in-memory config space.
type PciReader func(bus, dev, func_ uint8, offset uint32, size int) (uint32, error)

// EcamReader maps and reads an MMIO-backed ECAM config space for real
// hardware, using the same /dev/mem mmap discipline as capbroker.
func EcamReader(ecamBase uint64) (PciReader, func(), error) {
	fd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("platform: open /dev/mem: %w", err)
	}

	const ecamWindowSize = 256 << 20 // one megabyte per bus, 256 buses
	mapped, err := unix.Mmap(fd, int64(ecamBase), ecamWindowSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("platform: mmap ecam base=%#x: %w", ecamBase, err)
	}

	reader := func(bus, dev, fn uint8, offset uint32, size int) (uint32, error) {
		addr := ecamAddr(bus, dev, fn, offset)
		if int(addr)+size > len(mapped) {
			return 0, fmt.Errorf("platform: ecam read out of range at %#x", addr)
		}
		switch size {
		case 1:
			return uint32(mapped[addr]), nil
		case 2:
			return uint32(mapped[addr]) | uint32(mapped[addr+1])<<8, nil
		case 4:
			return uint32(mapped[addr]) | uint32(mapped[addr+1])<<8 | uint32(mapped[addr+2])<<16 | uint32(mapped[addr+3])<<24, nil
		default:
			return 0, fmt.Errorf("platform: unsupported read size %d", size)
		}
	}

	cleanup := func() {
		unix.Munmap(mapped)
		unix.Close(fd)
	}
	return reader, cleanup, nil
}

func ecamAddr(bus, dev, fn uint8, offset uint32) uint64 {
	return (uint64(bus) << 20) | (uint64(dev) << 15) | (uint64(fn) << 12) | uint64(offset)
}

// ScanPCI walks every (bus, dev, func) slot on bus 0, skipping absent
// functions (vendor id 0xffff), the same single-segment, single-bus
// simplification the original scan makes.
func ScanPCI(read PciReader) ([]PciFunction, error) {
	var found []PciFunction
	for dev := uint8(0); dev < 32; dev++ {
		for fn := uint8(0); fn < 8; fn++ {
			vendor, err := read(0, dev, fn, 0x00, 2)
			if err != nil {
				return nil, err
			}
			if uint16(vendor) == 0xffff {
				continue
			}
			deviceID, err := read(0, dev, fn, 0x02, 2)
			if err != nil {
				return nil, err
			}
			found = append(found, PciFunction{
				Bus: 0, Dev: dev, Func: fn,
				VendorID: uint16(vendor), DeviceID: uint16(deviceID),
			})
		}
	}
	return found, nil
}

// PciToDeviceDescNodes converts a PCI scan result into the flat mount
// list MountSubtree expects, one node per function, all re-rooted at
// the mount point.
func PciToDeviceDescNodes(functions []PciFunction) []devicetree.DeviceDescNode {
	nodes := make([]devicetree.DeviceDescNode, len(functions))
	for i, f := range functions {
		nodes[i] = devicetree.DeviceDescNode{
			Parent: devicetree.ParentIsMount,
			Desc: devicetree.DeviceDesc{
				Name:       fmt.Sprintf("pci%d:%d.%d", f.Bus, f.Dev, f.Func),
				Compatible: []string{fmt.Sprintf("pci%04x,%04x", f.VendorID, f.DeviceID)},
			},
		}
	}
	return nodes
}
