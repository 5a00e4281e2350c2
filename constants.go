package unicorn

import (
	"time"

	"github.com/glenda-dev/unicorn/internal/constants"
)

// Re-exported tunables, so a caller of this package never needs to
// import internal/constants directly to build a Config.
const (
	DefaultManifestName          = constants.DefaultManifestName
	DefaultSocketPath            = constants.DefaultSocketPath
	DefaultResourceManagerSocket = constants.DefaultResourceManagerSocket
	BootInfoConfigKey            = constants.BootInfoConfigKey
	DeviceEndpointCapName        = constants.DeviceEndpointCapName
	DefaultRingEntries           = constants.DefaultRingEntries
	MmioPageSize                 = constants.MmioPageSize
)

// DefaultIRQPeriod is the interval Boot arms the IRQ-simulation timer
// at when Config.IRQPeriod is left zero.
const DefaultIRQPeriod = 50 * time.Millisecond
