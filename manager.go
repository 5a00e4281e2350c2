package unicorn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glenda-dev/unicorn/internal/capbroker"
	"github.com/glenda-dev/unicorn/internal/constants"
	"github.com/glenda-dev/unicorn/internal/devicetree"
	"github.com/glenda-dev/unicorn/internal/driver"
	"github.com/glenda-dev/unicorn/internal/hooktable"
	"github.com/glenda-dev/unicorn/internal/irqrouter"
	"github.com/glenda-dev/unicorn/internal/logging"
	"github.com/glenda-dev/unicorn/internal/logicregistry"
	"github.com/glenda-dev/unicorn/internal/manifest"
	"github.com/glenda-dev/unicorn/internal/metrics"
	"github.com/glenda-dev/unicorn/internal/platform"
	"github.com/glenda-dev/unicorn/internal/resourceclient"
	"github.com/glenda-dev/unicorn/internal/server"
	"github.com/glenda-dev/unicorn/internal/transport"
	"github.com/glenda-dev/unicorn/internal/uring"

	"github.com/prometheus/client_golang/prometheus"
)

// PlatformType is the boot info page's platform_type discriminant.
type PlatformType string

const (
	PlatformACPI    PlatformType = "acpi"
	PlatformDTB     PlatformType = "dtb"
	PlatformUnknown PlatformType = "unknown"
)

// BootInfo mirrors the fixed-address boot info page the resource
// manager publishes: platform type, the root platform MMIO window,
// and the initrd location/size and CPU count the root driver reports
// onward but Unicorn itself does not interpret further.
type BootInfo struct {
	PlatformType PlatformType `json:"platform_type"`
	Addr         uint64       `json:"addr"`
	Size         uint64       `json:"size"`
	InitrdPaddr  uint64       `json:"initrd_paddr"`
	InitrdSize   uint64       `json:"initrd_size"`
	CPUs         uint32       `json:"cpus"`

	// EcamBase and DtbBlob are Unicorn-reimplementation additions: when
	// present, they let Boot run the supplemented PCI/DTB subtree scan
	// described in the platform-discovery section in addition to
	// inserting the single root node every platform type gets.
	EcamBase uint64 `json:"ecam_base,omitempty"`
	DtbBlob  []byte `json:"dtb_blob,omitempty"`
}

func (pt PlatformType) rootName() string {
	switch pt {
	case PlatformACPI:
		return "acpi"
	case PlatformDTB:
		return "dtb"
	default:
		return "platform"
	}
}

// Config bundles everything Boot needs to bring up a Manager. Every
// collaborator is optional: a nil one gets a sensible default (or, for
// ResourceClient, a real dial against
// constants.DefaultResourceManagerSocket), exactly as internal/server's
// own Config defaults every field so tests can supply a partial one.
type Config struct {
	Logger    *logging.Logger
	Registry  prometheus.Registerer
	ResourceClient resourceclient.ResourceClient

	SocketPath string // driver-facing Unix socket; DefaultSocketPath if empty
	IRQPeriod  time.Duration

	Spawner driver.ProcessSpawner // defaults to ExecSpawner
}

// Manager is the UnicornManager aggregate: the single object the CLI
// entrypoint creates once and that owns every other component for the
// life of the process, per the boot-order invariant (resource client,
// endpoint registration, manifest load, boot info, root platform node,
// subtree scan — in that order, each depending on the last).
type Manager struct {
	logger  *logging.Logger
	rc      resourceclient.ResourceClient
	server  *server.Server
	metrics *metrics.Metrics
}

// Boot performs Unicorn's full initialization sequence and returns a
// Manager ready to Run. Any failure here is fatal, per the
// error-handling design: a malformed manifest or unreachable resource
// manager terminates the process rather than degrading gracefully.
func Boot(ctx context.Context, cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	rc := cfg.ResourceClient
	if rc == nil {
		client, err := resourceclient.Dial(constants.DefaultResourceManagerSocket, logger)
		if err != nil {
			return nil, NewError("boot", CodeInvalidConfig, fmt.Sprintf("dial resource manager: %v", err))
		}
		rc = client
	}

	// Endpoint allocation: Unicorn registers its own receive endpoint
	// with the resource manager before anything else can address it.
	// This reimplementation has no raw endpoint-capability bits to
	// mint (kernel capability primitives are out of scope), so it uses
	// a reserved sentinel address standing in for "Unicorn's own
	// endpoint," matching the single GetCap(baseAddr)/RegisterCap(name,
	// cap) pair resourceclient already implements for every capability
	// kind rather than one method per kind.
	selfCap, err := rc.GetCap(0)
	if err != nil {
		return nil, WrapError("boot: get self endpoint cap", err)
	}
	if err := rc.RegisterCap(constants.DeviceEndpointCapName, selfCap); err != nil {
		return nil, WrapError("boot: register device endpoint", err)
	}

	manifestBytes, err := rc.GetConfig(constants.DefaultManifestName)
	if err != nil {
		return nil, NewError("boot", CodeInvalidConfig, fmt.Sprintf("load manifest: %v", err))
	}
	mf, err := manifest.Parse(manifestBytes)
	if err != nil {
		return nil, NewError("boot", CodeInvalidConfig, fmt.Sprintf("parse manifest: %v", err))
	}

	bootBytes, err := rc.GetConfig(constants.BootInfoConfigKey)
	if err != nil {
		return nil, NewError("boot", CodeInvalidConfig, fmt.Sprintf("load boot info: %v", err))
	}
	var bi BootInfo
	if err := json.Unmarshal(bootBytes, &bi); err != nil {
		return nil, NewError("boot", CodeInvalidConfig, fmt.Sprintf("parse boot info: %v", err))
	}

	tree := devicetree.New()
	rootDesc := devicetree.DeviceDesc{
		Name:       bi.PlatformType.rootName(),
		Compatible: []string{string(bi.PlatformType)},
	}
	if bi.Size > 0 {
		rootDesc.MMIO = []devicetree.MMIORegion{{BaseAddr: bi.Addr, Size: bi.Size}}
	}
	rootID, err := tree.Insert(nil, rootDesc)
	if err != nil {
		return nil, WrapError("boot: insert root platform node", err)
	}

	spawner := cfg.Spawner
	if spawner == nil {
		spawner = &driver.ExecSpawner{Logger: logger}
	}
	launcher := driver.NewLauncher(driver.NewMatcher(mf), spawner)

	// Root platform scan and initial spawn drain happen synchronously
	// during boot, before Run starts accepting driver connections or
	// polling the ring: nothing else can observe the tree mid-mutation
	// this early, so the deferred-drain discipline Run enforces later
	// is unnecessary here.
	launcher.ScanSubtree(tree, []devicetree.DeviceId{rootID})
	launcher.DrainPending(ctx, tree)

	if err := scanSupplementalPlatform(ctx, bi, tree, rootID, launcher); err != nil {
		logger.Warnf("supplemental platform scan skipped: %v", err)
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = constants.DefaultSocketPath
	}
	listener, err := transport.Listen(socketPath, logger)
	if err != nil {
		return nil, WrapError("boot: listen for drivers", err)
	}

	ring, err := uring.NewRing(constants.DefaultRingEntries)
	if err != nil {
		return nil, WrapError("boot: create io_uring reactor", err)
	}

	m := metrics.New(cfg.Registry)

	srv := server.New(server.Config{
		Logger:    logger,
		Metrics:   m,
		Tree:      tree,
		Launcher:  launcher,
		Logic:     logicregistry.New(),
		Hooks:     hooktable.New(),
		IRQs:      irqrouter.New(),
		Caps:      capbroker.New(nil),
		Listener:  listener,
		Ring:      ring,
		IRQPeriod: cfg.IRQPeriod,
	})

	return &Manager{logger: logger, rc: rc, server: srv, metrics: m}, nil
}

// scanSupplementalPlatform runs the PCI ECAM and/or flattened-device-
// tree scans when the boot info says they apply, mounting whatever
// they discover under the root platform node. Neither scan is
// required for the minimal ACPI-only boot scenario, so a failure here
// is logged and swallowed rather than treated as fatal.
func scanSupplementalPlatform(ctx context.Context, bi BootInfo, tree *devicetree.Tree, root devicetree.DeviceId, launcher *driver.Launcher) error {
	switch bi.PlatformType {
	case PlatformACPI:
		if bi.EcamBase == 0 {
			return nil
		}
		reader, cleanup, err := platform.EcamReader(bi.EcamBase)
		if err != nil {
			return fmt.Errorf("ecam reader: %w", err)
		}
		defer cleanup()

		functions, err := platform.ScanPCI(reader)
		if err != nil {
			return fmt.Errorf("pci scan: %w", err)
		}
		nodes := platform.PciToDeviceDescNodes(functions)
		ids, err := tree.MountSubtree(root, nodes)
		if err != nil {
			return fmt.Errorf("mount pci subtree: %w", err)
		}
		launcher.ScanSubtree(tree, ids)
		launcher.DrainPending(ctx, tree)

	case PlatformDTB:
		if len(bi.DtbBlob) == 0 {
			return nil
		}
		dtbNodes, err := platform.ParseDtb(bi.DtbBlob)
		if err != nil {
			return fmt.Errorf("parse dtb: %w", err)
		}
		nodes := platform.DtbToDeviceDescNodes(dtbNodes)
		ids, err := tree.MountSubtree(root, nodes)
		if err != nil {
			return fmt.Errorf("mount dtb subtree: %w", err)
		}
		launcher.ScanSubtree(tree, ids)
		launcher.DrainPending(ctx, tree)
	}
	return nil
}

// Run drives the IPC dispatch loop until ctx is cancelled or an
// unrecoverable error occurs.
func (m *Manager) Run(ctx context.Context) error {
	return m.server.Run(ctx)
}

// Metrics returns the Manager's Prometheus collectors.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// Shutdown releases the resource manager connection. The dispatch
// loop itself stops via context cancellation passed to Run; Shutdown
// only needs to release what Boot acquired outside that loop.
func (m *Manager) Shutdown() error {
	if m.rc != nil {
		return m.rc.Close()
	}
	return nil
}
