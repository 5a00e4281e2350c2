// Package constants centralizes tunables that would otherwise be magic
// numbers scattered through the device-manager core.
package constants

import "time"

const (
	// DefaultManifestName is the resource-manager key under which the
	// driver manifest is published.
	DefaultManifestName = "drivers.json"

	// DefaultSocketPath is the Unix-domain-socket path Transport listens
	// on for driver connections when none is configured.
	DefaultSocketPath = "/run/unicorn/unicorn.sock"

	// DefaultResourceManagerSocket is the Unix-domain-socket path
	// ResourceClient dials to reach the resource manager process when
	// none is configured.
	DefaultResourceManagerSocket = "/run/unicorn/resourcemgr.sock"

	// BootInfoConfigKey is the GetConfig key under which the resource
	// manager publishes the boot info blob.
	BootInfoConfigKey = "bootinfo"

	// DeviceEndpointCapName is the name Unicorn registers its own
	// endpoint capability under at startup, per the resource-manager
	// contract.
	DeviceEndpointCapName = "DEVICE_ENDPOINT"

	// DefaultRingEntries sizes the io_uring submission queue the
	// dispatch loop blocks on.
	DefaultRingEntries = 256

	// MmioPageSize is the page size used to round MMIO region lengths
	// up to whole pages before requesting a capability from the kernel.
	MmioPageSize = 4096

	// DefaultIrqPriority is the IRQ line priority value 1. No code path
	// in this module enables an IRQ line (capbroker's GetIRQ only
	// records it), so nothing reads this constant.
	DefaultIrqPriority = 1

	// ResourceClientDialRetries/ResourceClientRetryDelay bound how long
	// Unicorn waits for the resource manager's socket to appear at boot.
	ResourceClientDialRetries = 50
	ResourceClientRetryDelay  = 100 * time.Millisecond

	// SpawnQueueCapacityHint sizes the initial spawn-queue allocation;
	// it is only a hint, the queue grows as needed.
	SpawnQueueCapacityHint = 16

	// MaxFrameSize bounds a single wire message to guard against a
	// misbehaving driver exhausting memory with a bogus length prefix.
	MaxFrameSize = 1 << 20
)
