// Package driver implements the driver-matching and driver-launching
// half of device discovery: turning a newly discovered physical node
// into a running driver process, queued and drained without
// re-entering the device tree mid-walk.
//
// The spawn-queue/defer discipline is grounded on the teacher's
// completion-loop re-entrancy avoidance in internal/queue/runner.go's
// ioLoop, which defers FETCH_REQ resubmission to the next loop
// iteration rather than resubmitting from inside the completion
// handler; ScanSubtree here defers driver spawns to the caller's next
// drain call for the same reason — spawning synchronously while still
// walking the subtree just mounted could observe half-built state.
package driver

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/google/uuid"

	"github.com/glenda-dev/unicorn/internal/constants"
	"github.com/glenda-dev/unicorn/internal/devicetree"
	"github.com/glenda-dev/unicorn/internal/logging"
	"github.com/glenda-dev/unicorn/internal/manifest"
)

// Matcher ties a loaded manifest to device-tree descriptors.
type Matcher struct {
	manifest *manifest.Manifest
}

// NewMatcher wraps m for device-tree lookups.
func NewMatcher(m *manifest.Manifest) *Matcher {
	return &Matcher{manifest: m}
}

// Match returns the driver binary name for desc, if any manifest entry
// claims it.
func (mt *Matcher) Match(desc devicetree.DeviceDesc) (string, bool) {
	return mt.manifest.Match(desc.Name, desc.Compatible)
}

// ProcessSpawner starts a driver binary and returns once it has been
// launched (not once it exits); the real implementation wraps
// os/exec, tests substitute a fake that just records the call.
//
// os/exec is used directly here rather than through an ecosystem
// process-supervision library: spawning a driver binary is inherently
// a thin wrapper over fork+exec, and the only process-plugin library
// surfacing anywhere in the reference pack (hashicorp/go-plugin, seen
// in a standalone reference file, not a teacher) brings an RPC
// handshake protocol this design does not need — the driver announces
// itself over the unicorn control socket instead.
type ProcessSpawner interface {
	// Spawn returns the spawned process's pid, which becomes the badge
	// bits of every subsequent IPC message that process sends — the
	// caller records it so later capability requests can be resolved
	// back to the device node that spawn was for.
	Spawn(ctx context.Context, binary string, args []string) (pid int, err error)
}

// ExecSpawner is the real os/exec-backed ProcessSpawner.
type ExecSpawner struct {
	Logger *logging.Logger
}

// Spawn starts binary detached from Unicorn's own stdio, logging the
// launch the way the teacher logs every device-lifecycle transition.
func (s *ExecSpawner) Spawn(ctx context.Context, binary string, args []string) (int, error) {
	if s.Logger != nil {
		s.Logger.Debugf("spawning driver %s %v", binary, args)
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("driver: spawn %s: %w", binary, err)
	}
	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
	}()
	return pid, nil
}

// pendingSpawn is one queued (not yet launched) driver spawn. launchID
// is a fresh correlation id stamped at scan time so every log line
// about this spawn, from queueing through the driver's own startup
// logging, can be tied back to the same launch attempt.
type pendingSpawn struct {
	id       devicetree.DeviceId
	binary   string
	launchID string
}

// Launcher matches newly mounted nodes against the manifest and
// queues their driver spawns for a later drain.
type Launcher struct {
	matcher *Matcher
	spawner ProcessSpawner
	pending []pendingSpawn

	// pids binds a spawned process's badge (its pid) back to the
	// device node it was launched for, so the server can scope a
	// driver's capability requests to its own node. Every key here
	// names a node whose state is Running.
	pids map[uint64]devicetree.DeviceId
}

// NewLauncher returns a launcher using matcher to resolve driver
// binaries and spawner to start them.
func NewLauncher(matcher *Matcher, spawner ProcessSpawner) *Launcher {
	return &Launcher{
		matcher: matcher,
		spawner: spawner,
		pending: make([]pendingSpawn, 0, constants.SpawnQueueCapacityHint),
		pids:    make(map[uint64]devicetree.DeviceId),
	}
}

// NodeForBadge resolves a connected driver's badge back to the device
// node it was spawned for, so the caller can scope a capability
// request to that node's own descriptor.
func (l *Launcher) NodeForBadge(badge uint64) (devicetree.DeviceId, bool) {
	id, ok := l.pids[badge]
	return id, ok
}

// ScanSubtree checks each node listed in ids (such as the full list a
// MountSubtree or BFSFrom call returns) and queues a spawn for each one
// that matches the manifest and is still Ready. It does not descend
// into children that ids leaves out. It never spawns synchronously: the
// caller must call DrainPending once it is safe to do so.
func (l *Launcher) ScanSubtree(tree *devicetree.Tree, ids []devicetree.DeviceId) {
	for _, id := range ids {
		node, ok := tree.Get(id)
		if !ok || node.State != devicetree.Ready {
			continue
		}
		binary, ok := l.matcher.Match(node.Desc)
		if !ok {
			continue
		}
		l.pending = append(l.pending, pendingSpawn{id: id, binary: binary, launchID: uuid.NewString()})
	}
}

// DrainPending launches every queued spawn and marks its node Running,
// or Error if the spawn itself failed. It returns the ids that
// transitioned to Running so the caller can fire any matching hooks.
func (l *Launcher) DrainPending(ctx context.Context, tree *devicetree.Tree) []devicetree.DeviceId {
	queue := l.pending
	l.pending = nil

	var launched []devicetree.DeviceId
	for _, p := range queue {
		pid, err := l.spawner.Spawn(ctx, p.binary, []string{"--launch-id=" + p.launchID})
		if err != nil {
			tree.SetState(p.id, devicetree.Error)
			continue
		}
		tree.SetState(p.id, devicetree.Running)
		l.pids[uint64(pid)] = p.id
		launched = append(launched, p.id)
	}
	return launched
}

// PendingCount reports how many spawns are queued but not yet drained.
func (l *Launcher) PendingCount() int {
	return len(l.pending)
}
